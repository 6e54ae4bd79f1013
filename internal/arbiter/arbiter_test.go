package arbiter_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/srg/ctgate/internal/arbiter"
	"github.com/srg/ctgate/internal/radio"
	"github.com/srg/ctgate/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// chanReader feeds lines from a channel, like transport.Port.
type chanReader struct {
	lines chan string
	err   error
}

func (r *chanReader) ReadLine(ctx context.Context) (string, error) {
	select {
	case l, ok := <-r.lines:
		if !ok {
			return "", r.err
		}
		return l, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type ArbiterTestSuite struct {
	suite.Suite
	reader *chanReader
	arb    *arbiter.Arbiter
}

func (s *ArbiterTestSuite) SetupTest() {
	s.reader = &chanReader{lines: make(chan string, 64), err: io.EOF}
	s.arb = arbiter.New(s.reader, testutils.QuietLogger())
}

func (s *ArbiterTestSuite) next(inbox *arbiter.Inbox) radio.Line {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	l, err := inbox.Get(ctx)
	s.Require().NoError(err)
	return l
}

func addr(i int) string {
	return fmt.Sprintf("01%012X", i)
}

func (s *ArbiterTestSuite) TestConnectAcceptedLearnsHandle() {
	inbox := s.arb.Register(addr(1))

	s.Require().NoError(s.arb.Route("connA:00000007 " + addr(1) + "\n"))

	owner, ok := s.arb.Owner(radio.Handle(7))
	s.True(ok)
	s.Equal(addr(1), owner)

	l := s.next(inbox)
	s.Equal(radio.KindConnectAccepted, l.Kind)
	s.Equal(radio.Handle(7), l.Handle)

	s.Require().NoError(s.arb.Route("evt_hvx:00000007 16 AA\n"))
	s.Equal([]byte{0xAA}, s.next(inbox).Data)
}

func (s *ArbiterTestSuite) TestAddressBearingLinesRouteDirectly() {
	inbox := s.arb.Register(addr(2))
	s.Require().NoError(s.arb.Route("con:" + addr(2) + " 1\n"))
	s.Equal(radio.KindConnectConfirm, s.next(inbox).Kind)
}

func (s *ArbiterTestSuite) TestUnknownHandleIsDropped() {
	s.arb.Register(addr(1))

	err := s.arb.Route("evt_hvx:00000009 16 AA\n")
	s.ErrorIs(err, arbiter.ErrUnknownHandle)

	var herr *arbiter.HandleResolutionError
	s.Require().ErrorAs(err, &herr)
	s.Equal(radio.Handle(9), herr.Handle)
	s.Equal(radio.KindNotification, herr.Kind)
	s.Equal(arbiter.Stats{Dropped: 1}, s.arb.Stats())
}

func (s *ArbiterTestSuite) TestPendingConnectReceivesUnaddressedLines() {
	inbox := s.arb.Register(addr(3))

	// nobody is connecting
	s.ErrorIs(s.arb.Route("dconnTO\n"), arbiter.ErrNoPending)

	s.arb.BeginConnect(addr(3))
	s.Require().NoError(s.arb.Route("dconnTO\n"))
	s.Equal(radio.KindDisconnectTimeout, s.next(inbox).Kind)

	// a write confirmation for a handle not yet mapped
	s.Require().NoError(s.arb.Route("writec:0000000B00\n"))
	s.Equal(radio.KindWriteConfirm, s.next(inbox).Kind)

	s.arb.EndConnect()
	s.ErrorIs(s.arb.Route("writec:0000000B00\n"), arbiter.ErrUnknownHandle)
}

func (s *ArbiterTestSuite) TestDisconnectForgetsHandle() {
	inbox := s.arb.Register(addr(4))
	s.Require().NoError(s.arb.Route("connA:00000004 " + addr(4) + "\n"))
	s.next(inbox)

	s.Require().NoError(s.arb.Route("dconnH:00000004\n"))
	s.Equal(radio.KindDisconnectHandle, s.next(inbox).Kind)

	_, ok := s.arb.Owner(radio.Handle(4))
	s.False(ok)
	s.ErrorIs(s.arb.Route("evt_hvx:00000004 16 AA\n"), arbiter.ErrUnknownHandle)
}

func (s *ArbiterTestSuite) TestUnregisterCleansUp() {
	inbox := s.arb.Register(addr(5))
	s.arb.BeginConnect(addr(5))
	s.Require().NoError(s.arb.Route("connA:00000005 " + addr(5) + "\n"))
	s.Require().NoError(s.arb.Route("evt_hvx:00000005 16 AA\n"))
	s.Equal(2, inbox.Len())

	s.arb.Unregister(addr(5))

	s.Equal(0, inbox.Len())
	_, ok := s.arb.Owner(radio.Handle(5))
	s.False(ok)
	s.ErrorIs(s.arb.Route("dconnTO\n"), arbiter.ErrNoPending)
	s.ErrorIs(s.arb.Route("con:"+addr(5)+" 0\n"), arbiter.ErrNoSession)
}

// orphans records what the orphan handler was told.
func (s *ArbiterTestSuite) orphans() *[]string {
	var got []string
	s.arb.OnOrphan(func(h radio.Handle, owner string) {
		got = append(got, string(radio.DisconnectCommand(h))+" for "+owner)
	})
	return &got
}

func (s *ArbiterTestSuite) TestLateConnectAcceptIsOrphaned() {
	// GOAL: A link accepted after its session gave up is closed, not adopted
	//
	// TEST SCENARIO: Session connects, times out and unregisters, then its
	// connA arrives → no mapping is kept and the handler is asked to
	// disconnect the handle

	got := s.orphans()
	s.arb.Register(addr(1))
	s.arb.BeginConnect(addr(1))
	s.arb.EndConnect()
	s.arb.Unregister(addr(1))

	err := s.arb.Route("connA:00000009 " + addr(1) + "\n")
	s.ErrorIs(err, arbiter.ErrNoSession)

	_, ok := s.arb.Owner(radio.Handle(9))
	s.False(ok)
	s.Equal([]string{string(radio.DisconnectCommand(9)) + " for " + addr(1)}, *got)
	s.Equal(uint64(1), s.arb.Stats().Orphaned)

	// the radio's answer to that disconnect is dropped quietly
	s.ErrorIs(s.arb.Route("dconnH:00000009\n"), arbiter.ErrUnknownHandle)
	s.Len(*got, 1)
}

func (s *ArbiterTestSuite) TestUnregisterOrphansOpenLinks() {
	// GOAL: A session that leaves with its link unconfirmed closed hands the
	// handle over; a confirmed disconnect does not
	//
	// TEST SCENARIO: Two devices connect, only one sees dconnH, both
	// unregister → only the other handle is reported

	got := s.orphans()
	closed, open := s.arb.Register(addr(1)), s.arb.Register(addr(2))
	s.Require().NoError(s.arb.Route("connA:00000001 " + addr(1) + "\n"))
	s.Require().NoError(s.arb.Route("connA:00000002 " + addr(2) + "\n"))
	s.Require().NoError(s.arb.Route("dconnH:00000001\n"))
	s.Equal(2, closed.Len())
	s.Equal(1, open.Len())

	s.arb.Unregister(addr(1))
	s.arb.Unregister(addr(2))

	s.Equal([]string{string(radio.DisconnectCommand(2)) + " for " + addr(2)}, *got)
	s.Equal(uint64(1), s.arb.Stats().Orphaned)
}

func (s *ArbiterTestSuite) TestUnclassifiedLines() {
	s.NoError(s.arb.Route("## watchdog reset\n"))
	s.NoError(s.arb.Route("scan:timeout\n"))
	s.ErrorIs(s.arb.Route("boot:ok\n"), arbiter.ErrUnroutable)
	s.ErrorIs(s.arb.Route("evt_hvx:0000000X 16 AA\n"), radio.ErrMalformedLine)
	s.Equal(uint64(4), s.arb.Stats().Dropped)
}

func (s *ArbiterTestSuite) TestInterleavedStreamsKeepOrder() {
	// GOAL: Each session receives exactly its own lines in arrival order
	//
	// TEST SCENARIO: 5 devices connect, then 200 notifications per device are
	// interleaved randomly through Run → each inbox holds its own sequence

	const devices, perDevice = 5, 200

	inboxes := make([]*arbiter.Inbox, devices)
	for i := range inboxes {
		inboxes[i] = s.arb.Register(addr(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.arb.Run(ctx) }()

	for i := 0; i < devices; i++ {
		s.reader.lines <- fmt.Sprintf("connA:%08X %s\n", 0x100+i, addr(i))
	}

	rng := rand.New(rand.NewSource(1))
	sent := make([]int, devices)
	for total := 0; total < devices*perDevice; total++ {
		d := rng.Intn(devices)
		for sent[d] == perDevice {
			d = (d + 1) % devices
		}
		s.reader.lines <- fmt.Sprintf("evt_hvx:%08X 16 %04X\n", 0x100+d, sent[d])
		sent[d]++
	}

	for i, inbox := range inboxes {
		s.Equal(radio.KindConnectAccepted, s.next(inbox).Kind)
		for n := 0; n < perDevice; n++ {
			l := s.next(inbox)
			s.Require().Equal(radio.Handle(0x100+i), l.Handle)
			s.Require().Equal([]byte{byte(n >> 8), byte(n)}, l.Data, "device %d line %d", i, n)
		}
		s.Equal(0, inbox.Len())
	}

	cancel()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(time.Second):
		s.Fail("arbiter did not stop")
	}
}

func (s *ArbiterTestSuite) TestRunReturnsReaderError() {
	s.reader.err = errors.New("port closed")
	close(s.reader.lines)

	err := s.arb.Run(context.Background())
	s.ErrorContains(err, "port closed")
}

func (s *ArbiterTestSuite) TestInboxGetWaitsForPut() {
	inbox := s.arb.Register(addr(6))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := inbox.Get(ctx)
	s.ErrorIs(err, context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.arb.Route("con:" + addr(6) + " 1\n")
	}()
	s.Equal(radio.KindConnectConfirm, s.next(inbox).Kind)
}

func TestArbiterTestSuite(t *testing.T) {
	suite.Run(t, new(ArbiterTestSuite))
}

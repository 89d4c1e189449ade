package core

import (
	"container/list"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"nodecore/pkg/utils"
)

// totalSendQueueBytes tallies outbound queued bytes across every Stream in
// the process, for upstream admission control.
var totalSendQueueBytes atomic.Int64

// TotalSendQueueBytes reports the process-wide total of bytes currently
// queued for send across all streams.
func TotalSendQueueBytes() int64 { return totalSendQueueBytes.Load() }

// StreamType identifies which byte stream a message travels over within an
// Association. GENERAL is always present; the others are opened only by
// policies that need extra prioritised channels.
type StreamType int

const (
	StreamUnknown StreamType = iota
	StreamGeneral
	StreamData1
	StreamData2
	StreamData3
	StreamData4
)

func (t StreamType) String() string {
	switch t {
	case StreamGeneral:
		return "GENERAL"
	case StreamData1:
		return "DATA1"
	case StreamData2:
		return "DATA2"
	case StreamData3:
		return "DATA3"
	case StreamData4:
		return "DATA4"
	default:
		return "UNKNOWN"
	}
}

// FrameStatus is the result of feeding bytes to a Stream's parser.
type FrameStatus int

const (
	RecvOK FrameStatus = iota
	RecvBadLength
	RecvFail
)

const (
	frameMagicSize    = 4
	frameCommandSize  = 12
	frameLengthSize   = 4
	frameChecksumSize = 4
	frameHeaderSize   = frameMagicSize + frameCommandSize + frameLengthSize + frameChecksumSize

	// recvScratchSize bounds a single non-blocking read from the
	// transport.
	recvScratchSize = 64 * 1024
)

// frameHeader is the parsed fixed-size prefix of a MessageFrame.
type frameHeader struct {
	Magic      [frameMagicSize]byte
	Command    string
	PayloadLen uint32
	Checksum   [frameChecksumSize]byte
}

// MessageFrame is a bounded byte sequence: header plus payload. It tracks its
// own parse progress so ReceiveBytes can feed it partial reads.
type MessageFrame struct {
	headerBuf      []byte
	header         frameHeader
	headerComplete bool
	Payload        []byte
	payloadWant    uint32
}

func newMessageFrame() *MessageFrame {
	return &MessageFrame{headerBuf: make([]byte, 0, frameHeaderSize)}
}

// complete reports whether the header has been parsed and every declared
// payload byte has arrived.
func (f *MessageFrame) complete() bool {
	return f.headerComplete && uint32(len(f.Payload)) == f.payloadWant
}

// Command returns the frame's command name once the header is complete.
func (f *MessageFrame) Command() string {
	return f.header.Command
}

// consume feeds bytes into the frame, returning how many bytes it took and
// whether the frame's header turned out to declare an oversized payload.
func (f *MessageFrame) consume(b []byte, maxPayload uint32) (taken int, oversized bool) {
	if !f.headerComplete {
		need := frameHeaderSize - len(f.headerBuf)
		n := len(b)
		if n > need {
			n = need
		}
		f.headerBuf = append(f.headerBuf, b[:n]...)
		taken += n
		if len(f.headerBuf) == frameHeaderSize {
			f.header = parseFrameHeader(f.headerBuf)
			f.headerComplete = true
			f.payloadWant = f.header.PayloadLen
			if maxPayload > 0 && f.payloadWant > maxPayload {
				return taken, true
			}
			f.Payload = make([]byte, 0, f.payloadWant)
		} else {
			return taken, false
		}
		b = b[n:]
	}
	if len(b) == 0 {
		return taken, false
	}
	need := int(f.payloadWant) - len(f.Payload)
	n := len(b)
	if n > need {
		n = need
	}
	f.Payload = append(f.Payload, b[:n]...)
	taken += n
	return taken, false
}

func parseFrameHeader(buf []byte) frameHeader {
	var h frameHeader
	copy(h.Magic[:], buf[0:frameMagicSize])
	cmd := buf[frameMagicSize : frameMagicSize+frameCommandSize]
	end := frameCommandSize
	for i, c := range cmd {
		if c == 0 {
			end = i
			break
		}
	}
	h.Command = string(cmd[:end])
	off := frameMagicSize + frameCommandSize
	h.PayloadLen = uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
	copy(h.Checksum[:], buf[off+frameLengthSize:off+frameLengthSize+frameChecksumSize])
	return h
}

func encodeFrameHeader(magic [4]byte, command string, payloadLen uint32, checksum [4]byte) []byte {
	buf := make([]byte, frameHeaderSize)
	copy(buf[0:frameMagicSize], magic[:])
	copy(buf[frameMagicSize:frameMagicSize+frameCommandSize], []byte(command))
	off := frameMagicSize + frameCommandSize
	buf[off] = byte(payloadLen)
	buf[off+1] = byte(payloadLen >> 8)
	buf[off+2] = byte(payloadLen >> 16)
	buf[off+3] = byte(payloadLen >> 24)
	copy(buf[off+frameLengthSize:], checksum[:])
	return buf
}

// bandwidthSample is one spot measurement appended to a Stream's rolling
// ring by AvgBandwidthCalc.
type bandwidthSample struct {
	bytesPerSec float64
}

// conn is the minimal surface ServiceSocket needs from the underlying
// transport. A libp2p network.Stream and a net.Conn both satisfy it, which
// keeps the parser testable without a real libp2p host.
type conn interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// StreamConfig carries the tunables ServiceSocket/ReceiveBytes/PushMessage
// need but that don't belong on the Stream itself.
type StreamConfig struct {
	Magic           [4]byte
	MaxMessageSize  uint32
	MaxRecvBuffSize int
	BandwidthRing   int // number of spot samples retained
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Magic:           [4]byte{0xf9, 0xbe, 0xb4, 0xd9},
		MaxMessageSize:  32 * 1024 * 1024,
		MaxRecvBuffSize: 5 * 1024 * 1024,
		BandwidthRing:   60,
	}
}

// Stream owns one transport-level connection to a peer: its parse state,
// send/receive queues, per-command byte counters and bandwidth estimate.
//
// Lock order when more than one of these mutexes must be held: nodeMu, then
// sendMu, then recvMu.
type Stream struct {
	streamType StreamType
	cfg        StreamConfig
	c          conn

	nodeMu sync.Mutex
	node   *PeerNodeState // non-owning; nulled on the node's teardown path

	sendMu         sync.Mutex
	sendQueue      *list.List // of *queuedSend
	sendQueueBytes uint64

	recvMu         sync.Mutex
	recvInProgress *list.List // of *MessageFrame
	recvComplete   *list.List // of *MessageFrame
	recvQueueBytes int
	pauseRecv      bool

	statsMu        sync.Mutex
	sendBytesByCmd map[string]uint64
	recvBytesByCmd map[string]uint64
	lastSend       time.Time
	lastRecv       time.Time

	bwMu        sync.Mutex
	bwRing      []bandwidthSample
	bwLastSpot  time.Time
	bwLastBytes uint64

	shutdownOnce sync.Once
	shutdown     bool
	shutdownMu   sync.Mutex

	log *logrus.Entry
}

type queuedSend struct {
	data []byte
	sent int
	cmd  string
}

// NewStream creates a Stream bound to an already-established connection
// (typically a libp2p network.Stream opened by the owning Association).
func NewStream(streamType StreamType, c conn, node *PeerNodeState, cfg StreamConfig, log *logrus.Entry) *Stream {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Stream{
		streamType:     streamType,
		cfg:            cfg,
		c:              c,
		node:           node,
		sendQueue:      list.New(),
		recvInProgress: list.New(),
		recvComplete:   list.New(),
		sendBytesByCmd: make(map[string]uint64),
		recvBytesByCmd: make(map[string]uint64),
		log:            log.WithField("stream_type", streamType.String()),
	}
}

func (s *Stream) Type() StreamType { return s.streamType }

// SetOwningNode updates the non-owning node reference, e.g. to nil it out
// during the node's teardown path so a racing ServiceSocket becomes a no-op.
func (s *Stream) SetOwningNode(n *PeerNodeState) {
	s.nodeMu.Lock()
	s.node = n
	s.nodeMu.Unlock()
}

func (s *Stream) isShutdown() bool {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	return s.shutdown
}

// ReceiveBytes is the frame parser. It is safe to call repeatedly with
// arbitrary chunkings of the same overall byte sequence: the tail frame in
// the in-progress queue only advances to a new frame once the current tail
// is complete, so splitting or coalescing the input never changes the
// resulting sequence of completed frames.
func (s *Stream) ReceiveBytes(b []byte) (FrameStatus, int) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	total := 0
	for len(b) > 0 {
		var tail *MessageFrame
		if el := s.recvInProgress.Back(); el != nil {
			tail = el.Value.(*MessageFrame)
		}
		if tail == nil || tail.complete() {
			tail = newMessageFrame()
			s.recvInProgress.PushBack(tail)
		}
		taken, oversized := tail.consume(b, s.cfg.MaxMessageSize)
		if oversized {
			return RecvBadLength, total
		}
		if taken == 0 {
			// Header still incomplete but consumed zero bytes: malformed input.
			return RecvFail, total
		}
		total += taken
		b = b[taken:]
		if tail.complete() {
			s.recvInProgress.Remove(s.recvInProgress.Back())
			s.recvComplete.PushBack(tail)
		}
	}
	s.recvQueueBytes += total
	s.recalcPauseRecvLocked()
	return RecvOK, total
}

func (s *Stream) recalcPauseRecvLocked() {
	s.pauseRecv = s.cfg.MaxRecvBuffSize > 0 && s.recvQueueBytes > s.cfg.MaxRecvBuffSize
}

// GetNextMessage dequeues the oldest complete frame, if any, and reports
// whether more complete frames remain queued behind it.
func (s *Stream) GetNextMessage() (*MessageFrame, bool) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	el := s.recvComplete.Front()
	if el == nil {
		return nil, false
	}
	frame := el.Value.(*MessageFrame)
	s.recvComplete.Remove(el)
	s.recvQueueBytes -= len(frame.Payload) + frameHeaderSize
	if s.recvQueueBytes < 0 {
		s.recvQueueBytes = 0
	}
	s.recalcPauseRecvLocked()

	s.statsMu.Lock()
	s.recvBytesByCmd[commandOrOther(frame.Command())] += uint64(len(frame.Payload))
	s.lastRecv = time.Now()
	s.statsMu.Unlock()

	return frame, s.recvComplete.Len() > 0
}

// HasQueuedMessage reports whether at least one complete frame is waiting
// to be dequeued, without consuming it.
func (s *Stream) HasQueuedMessage() bool {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	return s.recvComplete.Len() > 0
}

func commandOrOther(cmd string) string {
	if cmd == "" {
		return "*other*"
	}
	return cmd
}

// PushMessage enqueues a message for sending. If the send queue was empty
// before this call, it attempts an immediate optimistic write so a payload
// arriving on an idle connection doesn't wait for the next readiness tick.
func (s *Stream) PushMessage(command string, payload []byte, checksum [4]byte) (bytesSent uint64, err error) {
	header := encodeFrameHeader(s.cfg.Magic, command, uint32(len(payload)), checksum)
	data := append(header, payload...)

	s.sendMu.Lock()
	wasEmpty := s.sendQueue.Len() == 0
	qs := &queuedSend{data: data, cmd: command}
	s.sendQueue.PushBack(qs)
	s.sendQueueBytes += uint64(len(data))
	s.sendMu.Unlock()
	totalSendQueueBytes.Add(int64(len(data)))

	if wasEmpty {
		sent, sendErr := s.trySendLocked(qs)
		s.statsMu.Lock()
		s.sendBytesByCmd[commandOrOther(command)] += sent
		if sent > 0 {
			s.lastSend = time.Now()
		}
		s.statsMu.Unlock()
		return sent, sendErr
	}
	return 0, nil
}

// trySendLocked attempts a single non-blocking write of as much of qs as
// the transport accepts, removing it from the queue if fully flushed.
func (s *Stream) trySendLocked(qs *queuedSend) (uint64, error) {
	if s.isShutdown() {
		return 0, nil
	}
	_ = s.c.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
	n, err := s.c.Write(qs.data[qs.sent:])
	if n > 0 {
		qs.sent += n
	}
	s.sendMu.Lock()
	if qs.sent >= len(qs.data) {
		for el := s.sendQueue.Front(); el != nil; el = el.Next() {
			if el.Value.(*queuedSend) == qs {
				s.sendQueue.Remove(el)
				break
			}
		}
		s.sendQueueBytes -= uint64(len(qs.data))
		totalSendQueueBytes.Add(-int64(len(qs.data)))
	}
	s.sendMu.Unlock()
	if err != nil && !isTransientNetErr(err) {
		return uint64(n), err
	}
	return uint64(n), nil
}

// SocketSendData drains as much of the send queue as the transport will
// currently accept, stopping at the first partial write.
func (s *Stream) SocketSendData() (uint64, error) {
	var total uint64
	for {
		s.sendMu.Lock()
		el := s.sendQueue.Front()
		s.sendMu.Unlock()
		if el == nil {
			return total, nil
		}
		qs := el.Value.(*queuedSend)
		n, err := s.trySendLocked(qs)
		total += n
		if err != nil {
			return total, err
		}
		if qs.sent < len(qs.data) {
			return total, nil // partial write; stop until next readiness tick
		}
	}
}

// GetSendQueueSize returns the total bytes currently queued for send.
func (s *Stream) GetSendQueueSize() uint64 {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sendQueueBytes
}

// ServiceSocket performs one iteration of the readiness loop for this
// Stream's connection: a non-blocking-ish read when the socket is readable
// or errored, and a send-queue drain when writable.
func (s *Stream) ServiceSocket(readable, writable, errored bool, cfg StreamConfig) (gotMessages bool, bytesRecv, bytesSent uint64, err error) {
	if s.isShutdown() {
		return false, 0, 0, nil
	}

	if readable || errored {
		_ = s.c.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		buf := make([]byte, recvScratchSize)
		n, rerr := s.c.Read(buf)
		if n > 0 {
			status, consumed := s.ReceiveBytes(buf[:n])
			bytesRecv = uint64(consumed)
			if status == RecvBadLength {
				return false, bytesRecv, 0, fmt.Errorf("%w: oversized or malformed frame", utils.ErrBannable)
			}
			if status == RecvFail {
				return false, bytesRecv, 0, fmt.Errorf("stream: receive parse failure")
			}
			s.recvMu.Lock()
			gotMessages = s.recvComplete.Len() > 0
			s.recvMu.Unlock()
		}
		if n == 0 && rerr == nil {
			s.markNodeForDisconnect()
			return gotMessages, bytesRecv, 0, io.EOF
		}
		if rerr != nil && !isTransientNetErr(rerr) {
			s.markNodeForDisconnect()
			return gotMessages, bytesRecv, 0, rerr
		}
	}

	if writable {
		sent, serr := s.SocketSendData()
		bytesSent = sent
		if serr != nil && !isTransientNetErr(serr) {
			s.markNodeForDisconnect()
			return gotMessages, bytesRecv, bytesSent, serr
		}
	}

	return gotMessages, bytesRecv, bytesSent, nil
}

func (s *Stream) markNodeForDisconnect() {
	s.nodeMu.Lock()
	n := s.node
	s.nodeMu.Unlock()
	if n != nil {
		n.flagForDisconnect()
	}
}

// isTransientNetErr classifies would-block/interrupted/in-progress style
// errors that ServiceSocket should silently retry on the next tick.
func isTransientNetErr(err error) bool {
	if err == nil {
		return false
	}
	type timeout interface{ Timeout() bool }
	if t, ok := err.(timeout); ok && t.Timeout() {
		return true
	}
	return false
}

// AvgBandwidthCalc takes a spot sample of bytes-sent-plus-received since the
// last call and appends it to the rolling ring, provided any time has
// actually elapsed (a zero-duration tick contributes nothing, matching the
// source's "secsSinceLastSpot > 0" guard).
func (s *Stream) AvgBandwidthCalc() {
	s.statsMu.Lock()
	var totalBytes uint64
	for _, v := range s.sendBytesByCmd {
		totalBytes += v
	}
	for _, v := range s.recvBytesByCmd {
		totalBytes += v
	}
	s.statsMu.Unlock()

	s.bwMu.Lock()
	defer s.bwMu.Unlock()
	now := time.Now()
	if s.bwLastSpot.IsZero() {
		s.bwLastSpot = now
		s.bwLastBytes = totalBytes
		return
	}
	secs := now.Sub(s.bwLastSpot).Seconds()
	if secs <= 0 {
		return
	}
	spotBytes := totalBytes - s.bwLastBytes
	sample := bandwidthSample{bytesPerSec: float64(spotBytes) / secs}
	s.bwRing = append(s.bwRing, sample)
	cap := s.cfg.BandwidthRing
	if cap <= 0 {
		cap = 60
	}
	if len(s.bwRing) > cap {
		s.bwRing = s.bwRing[len(s.bwRing)-cap:]
	}
	s.bwLastSpot = now
	s.bwLastBytes = totalBytes
}

// GetAverageBandwidth returns the mean of the bandwidth ring and the number
// of samples it was computed from. An empty ring reports (0, 0).
func (s *Stream) GetAverageBandwidth() (mean float64, samples int) {
	s.bwMu.Lock()
	defer s.bwMu.Unlock()
	if len(s.bwRing) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range s.bwRing {
		sum += v.bytesPerSec
	}
	return sum / float64(len(s.bwRing)), len(s.bwRing)
}

// StreamStats is the snapshot shape CopyStats on an Association aggregates
// across its streams.
type StreamStats struct {
	Type          StreamType
	LastSend      time.Time
	LastRecv      time.Time
	SendBytes     uint64
	RecvBytes     uint64
	SendQueueSize uint64
	AvgBandwidth  float64
	BandwidthN    int
	SendByCmd     map[string]uint64
	RecvByCmd     map[string]uint64
}

// CopyStats snapshots this stream's counters.
func (s *Stream) CopyStats() StreamStats {
	s.statsMu.Lock()
	sendByCmd := make(map[string]uint64, len(s.sendBytesByCmd))
	var sendBytes uint64
	for k, v := range s.sendBytesByCmd {
		sendByCmd[k] = v
		sendBytes += v
	}
	recvByCmd := make(map[string]uint64, len(s.recvBytesByCmd))
	var recvBytes uint64
	for k, v := range s.recvBytesByCmd {
		recvByCmd[k] = v
		recvBytes += v
	}
	lastSend, lastRecv := s.lastSend, s.lastRecv
	s.statsMu.Unlock()

	mean, n := s.GetAverageBandwidth()

	return StreamStats{
		Type:          s.streamType,
		LastSend:      lastSend,
		LastRecv:      lastRecv,
		SendBytes:     sendBytes,
		RecvBytes:     recvBytes,
		SendQueueSize: s.GetSendQueueSize(),
		AvgBandwidth:  mean,
		BandwidthN:    n,
		SendByCmd:     sendByCmd,
		RecvByCmd:     recvByCmd,
	}
}

// Shutdown idempotently closes the underlying connection.
func (s *Stream) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.shutdownMu.Lock()
		s.shutdown = true
		s.shutdownMu.Unlock()
		if err := s.c.Close(); err != nil {
			s.log.Debugf("stream shutdown close: %v", err)
		} else {
			s.log.Debug("stream shut down")
		}
	})
}

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdIO implements the Transport interface over an io.Reader/io.Writer pair,
// typically a process's standard streams. Messages are framed as one compact
// JSON object per line: the encoder appends exactly one '\n' and the decoder
// splits purely on '\n', skipping blank lines and surviving malformed ones.
//
// Writes are serialized through an internal queue so concurrent senders never
// interleave bytes on the stream. Instances must be created with NewStdIO and
// released with Stop.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	lines         chan stdIOLine

	started  bool
	startMu  sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

type stdIOLine struct {
	line string
	err  error
}

// NewStdIO creates a transport framing messages over the provided reader and
// writer. The transport is inert until Start is called.
func NewStdIO(reader io.Reader, writer io.Writer) *StdIO {
	return &StdIO{
		reader: reader,
		writer: writer,
		logger: slog.Default().With(
			slog.String("component", "stdio"),
			slog.String("sessionID", uuid.New().String()),
		),
		writeMessages: make(chan stdIOMessage),
		lines:         make(chan stdIOLine),
		done:          make(chan struct{}),
	}
}

// Start begins the read and write pumps. Calling Start twice is an error;
// calling it after Stop is too.
func (s *StdIO) Start(_ context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	select {
	case <-s.done:
		return ErrTransportNotConnected
	default:
	}
	if s.started {
		return fmt.Errorf("stdio transport already started")
	}
	s.started = true

	go s.processReadLines()
	go s.processWriteMessages()

	return nil
}

// Send encodes msg as compact JSON followed by one newline and writes the
// frame atomically. It fails if the encoded payload would contain a newline
// or carriage return, since that breaks framing for every reader.
func (s *StdIO) Send(ctx context.Context, msg JSONRPCMessage) error {
	s.startMu.Lock()
	started := s.started
	s.startMu.Unlock()
	if !started {
		return ErrTransportNotConnected
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncodingFailed, err)
	}
	if bytes.ContainsAny(msgBs, "\n\r") {
		return fmt.Errorf("%w: encoded message contains line break", ErrEncodingFailed)
	}
	// Append newline to maintain the message framing protocol.
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the frame so concurrent senders never interleave on the stream.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrTransportNotConnected
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write message", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrTransportNotConnected
	}
}

// Messages returns an iterator over inbound messages. The sequence ends when
// the underlying stream closes or the transport is stopped. A line that fails
// to parse is logged and skipped; buffering continues with the next line.
func (s *StdIO) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			var lwe stdIOLine
			select {
			case <-s.done:
				return
			case lwe = <-s.lines:
			}

			if lwe.err != nil {
				if !errors.Is(lwe.err, io.EOF) {
					s.logger.Error("failed to read message", slog.String("err", lwe.err.Error()))
				}
				return
			}

			// Blank lines between frames are not empty messages.
			if strings.TrimSpace(lwe.line) == "" {
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
				// A malformed line is fatal to that line only.
				s.logger.Error("failed to unmarshal message",
					slog.Int("code", jsonRPCParseErrorCode),
					slog.String("err", err.Error()))
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

// Stop releases the transport. It is a no-op when not started and safe to
// call more than once.
func (s *StdIO) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *StdIO) processReadLines() {
	// bufio.Reader instead of bufio.Scanner to avoid max token size errors on
	// large payloads. ReadString buffers partial lines internally, so a read
	// that ends mid-message simply waits for more bytes.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// A partial line at EOF is dropped, never parsed.
			select {
			case <-s.done:
			case s.lines <- stdIOLine{err: err}:
			}
			return
		}

		select {
		case <-s.done:
			return
		case s.lines <- stdIOLine{line: strings.TrimSuffix(line, "\n")}:
		}
	}
}

func (s *StdIO) processWriteMessages() {
	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}

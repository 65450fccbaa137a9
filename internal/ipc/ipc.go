// Package ipc is the IPC server (C12): a Unix-domain stream listener
// framing JSON requests/responses with a 4-byte big-endian length
// prefix. Grounded on the teacher's netadapter — a Start/Stop pair
// guarded by an atomic stop flag, an OnConnectedHandler invoked per
// accepted connection — adapted from netadapter's gRPC peer-to-peer
// transport down to one local client at a time, per spec.md's "single
// local client" framing.
package ipc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/trevorbernard/mina-indexer/internal/errs"
	"github.com/trevorbernard/mina-indexer/internal/logger"
	"github.com/trevorbernard/mina-indexer/internal/model"
	"github.com/trevorbernard/mina-indexer/internal/query"
	"github.com/trevorbernard/mina-indexer/internal/store"
)

var log = logger.Get("IPC")

const maxFrameSize = 16 << 20 // 16 MiB, well above any realistic request/response

// Request is the decoded body of one IPC call.
type Request struct {
	Verb      string          `json:"verb"`
	PublicKey model.PublicKey `json:"public_key,omitempty"`
	AtHeight  *uint32         `json:"at_height,omitempty"`
	Query     query.Filter    `json:"query,omitempty"`
	Sort      string          `json:"sort,omitempty"`
	Limit     int             `json:"limit,omitempty"`
}

// Response is the encoded reply to one IPC call.
type Response struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// Server is the IPC listener. Construct with New, then Start; Stop
// closes the listener and waits for the accept loop to return.
type Server struct {
	socketPath   string
	resolver     *query.Resolver
	ledgers      ledgerLookup
	db           store.DB
	queryTimeout time.Duration

	listener net.Listener
	stopping uint32
	done     chan struct{}

	// ShutdownRequested is closed when a client sends the shutdown
	// verb, signalling the supervisor to begin graceful shutdown.
	ShutdownRequested chan struct{}
	shutdownOnce      sync.Once
}

// ledgerLookup is the narrow account-balance surface C12 needs from
// C4, kept as an interface so tests can fake it without a real store.
type ledgerLookup interface {
	LookupAccount(r store.Reader, pk model.PublicKey, atHeight uint32) (*model.Account, error)
}

// New constructs a Server bound to socketPath. The socket file is
// removed first if a stale one is left from a prior crash. queryTimeout
// bounds best_chain/summary scans per §5; a zero value disables the
// deadline.
func New(socketPath string, resolver *query.Resolver, ledgers ledgerLookup, db store.DB, queryTimeout time.Duration) (*Server, error) {
	_ = os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", socketPath)
	}
	return &Server{
		socketPath:        socketPath,
		resolver:          resolver,
		ledgers:           ledgers,
		db:                db,
		queryTimeout:      queryTimeout,
		listener:          listener,
		done:              make(chan struct{}),
		ShutdownRequested: make(chan struct{}),
	}, nil
}

// Serve runs the accept loop until Stop is called. Only one
// connection is served at a time, per spec.md's single-local-client
// framing.
func (s *Server) Serve() {
	defer close(s.done)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if atomic.LoadUint32(&s.stopping) == 1 {
				return
			}
			log.Warnf("accept error: %v", err)
			continue
		}
		s.handleConn(conn)
	}
}

// Stop closes the listener and the socket file, then waits for Serve
// to return.
func (s *Server) Stop() error {
	if !atomic.CompareAndSwapUint32(&s.stopping, 0, 1) {
		return errors.New("ipc server stopped more than once")
	}
	err := s.listener.Close()
	<-s.done
	_ = os.Remove(s.socketPath)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	req, err := readFrame(conn)
	if err != nil {
		log.Warnf("reading request frame: %v", err)
		return
	}
	var r Request
	if err := json.Unmarshal(req, &r); err != nil {
		writeResponse(conn, Response{OK: false, Error: "malformed request: " + err.Error()})
		return
	}

	resp := s.dispatch(r)
	if err := writeResponse(conn, resp); err != nil {
		log.Warnf("writing response: %v", err)
	}
}

func (s *Server) dispatch(r Request) Response {
	switch r.Verb {
	case "best_chain":
		return s.bestChain(r)
	case "account_balance":
		return s.accountBalance(r)
	case "summary":
		return s.summary()
	case "shutdown":
		s.shutdownOnce.Do(func() { close(s.ShutdownRequested) })
		return Response{OK: true}
	default:
		return Response{OK: false, Error: "unknown verb " + r.Verb}
	}
}

func (s *Server) bestChain(r Request) Response {
	sort := query.HeightAsc
	if r.Sort == "height_desc" {
		sort = query.HeightDesc
	}
	return s.runQuery(query.Query{Filter: r.Query, Sort: sort, Limit: r.Limit})
}

func (s *Server) accountBalance(r Request) Response {
	if r.PublicKey == "" {
		return Response{OK: false, Error: "public_key is required"}
	}
	var atHeight uint32
	if r.AtHeight != nil {
		atHeight = *r.AtHeight
	}
	account, err := s.ledgers.LookupAccount(s.db, r.PublicKey, atHeight)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Data: account}
}

func (s *Server) summary() Response {
	return s.runQuery(query.Query{Sort: query.HeightDesc, Limit: 1})
}

// runQuery pins a snapshot and runs q against it under the configured
// query deadline, so a concurrent reorg can never hand back a
// pre/post-reorg mix of rows (§5) and a slow scan fails with
// DeadlineExceeded rather than blocking the single-client connection
// indefinitely (§7).
func (s *Server) runQuery(q query.Query) Response {
	snap, err := s.db.Snapshot()
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	defer snap.Release()

	ctx := context.Background()
	if s.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
	}

	rows, err := s.resolver.ResolveWithDeadline(ctx, snap, q)
	if errs.Is(err, errs.KindDeadlineExceeded) {
		return Response{OK: false, Error: "DeadlineExceeded"}
	}
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Data: rows}
}

// RequestShutdown dials socketPath and sends a shutdown verb, for the
// `shutdown` CLI subcommand to ask an already-running server to stop.
func RequestShutdown(socketPath string) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return errors.Wrap(err, "dial ipc socket")
	}
	defer conn.Close()

	body, err := json.Marshal(Request{Verb: "shutdown"})
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "write request frame")
	}
	if _, err := conn.Write(body); err != nil {
		return errors.Wrap(err, "write request body")
	}

	respData, err := readFrame(conn)
	if err != nil {
		return errors.Wrap(err, "read response frame")
	}
	var resp Response
	if err := json.Unmarshal(respData, &resp); err != nil {
		return errors.Wrap(err, "decode response")
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, errors.Errorf("frame size %d exceeds maximum %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeResponse(w io.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

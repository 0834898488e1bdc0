package net

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"mimir/internal/engine"
	"mimir/internal/utils"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	MAX_RECV_SIZE      = 4 * 1024
	defaultNWorkers    = 10
	defaultIdleTimeout = time.Minute
)

var (
	ErrImproperConversion = errors.New("improper type conversion")
	ErrClientDoesNotExist = errors.New("client does not exist")
	ErrFrameTooLarge      = errors.New("frame exceeds receive limit")
)

// ClientSession contains relevant information pertaining to an individual
// connected TCP session.
type ClientSession struct {
	conn net.Conn
}

// ClientMessage links a message to the client sending it.
type ClientMessage struct {
	clientAddress string
	message       Message
}

// Server is the order intake gateway: it frames messages off TCP sessions,
// hands them to the exchange, and writes acceptance/execution/error
// reports back to the submitting session. Authentication and KYC live
// upstream; the owner field of a message is treated as an opaque identity.
type Server struct {
	address            string
	port               int
	exchange           *engine.Exchange
	pool               utils.WorkerPool
	cancel             context.CancelFunc
	clientSessions     map[string]ClientSession
	clientSessionsLock sync.Mutex
	clientMessages     chan ClientMessage
}

func New(address string, port int, exchange *engine.Exchange) *Server {
	return &Server{
		address:        address,
		port:           port,
		exchange:       exchange,
		pool:           utils.NewWorkerPool(defaultNWorkers),
		clientSessions: make(map[string]ClientSession),
		clientMessages: make(chan ClientMessage, utils.TASK_CHAN_SIZE),
	}
}

func (s *Server) Shutdown() {
	log.Info().Msg("server shutting down")
	s.cancel()
}

func (s *Server) Run(ctx context.Context) {
	defer s.Shutdown()

	// Setup a cancel on the context for future shutdown.
	ctx, s.cancel = context.WithCancel(ctx)
	t, ctx := tomb.WithContext(ctx)

	// Start a tcp listener.
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		log.Error().Err(err).Msg("unable to start listener")
		return
	}
	defer func() {
		if err := listener.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close listener")
		}
	}()

	// Start the worker pool.
	s.pool.Setup(t, s.handleConnection)

	// Start the session handler.
	t.Go(func() error {
		return s.sessionHandler(t)
	})

	log.Info().Str("address", s.address).Int("port", s.port).Msg("intake server running")

	// Start accepting connections.
	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("error accepting client")
				continue
			}

			log.Info().
				Str("address", conn.RemoteAddr().String()).
				Msg("new client added")
			// Track the session; we expect to maintain a long TCP session
			// per client.
			s.addClientSession(conn)

			// Pass over the connection to be read from.
			s.pool.AddTask(conn)
		}
	}
}

// Report writes a serialized report frame back to a client session.
func (s *Server) Report(clientAddress string, report *Report) error {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	client, ok := s.clientSessions[clientAddress]
	if !ok {
		return ErrClientDoesNotExist
	}

	if err := WriteFrame(client.conn, report.Serialize()); err != nil {
		delete(s.clientSessions, clientAddress)
		return fmt.Errorf("unable to send report: %w", err)
	}
	return nil
}

// sessionHandler reads off incoming messages from clients and handles
// high-level session logic. Messages are received from the pool of
// workers.
func (s *Server) sessionHandler(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case clientMsg := <-s.clientMessages:
			s.dispatch(clientMsg)
		}
	}
}

func (s *Server) dispatch(clientMsg ClientMessage) {
	switch msg := clientMsg.message.(type) {
	case NewOrderMessage:
		s.handleNewOrder(clientMsg.clientAddress, msg)
	case CancelOrderMessage:
		s.handleCancelOrder(clientMsg.clientAddress, msg)
	case BaseMessage:
		// Heartbeats keep the session warm, nothing to do.
	default:
		log.Warn().
			Str("address", clientMsg.clientAddress).
			Int("type", int(clientMsg.message.GetType())).
			Msg("unhandled message type")
	}
}

func (s *Server) handleNewOrder(clientAddress string, msg NewOrderMessage) {
	result, err := s.exchange.SubmitOrder(engine.SubmitRequest{
		Pair:       msg.Pair,
		Owner:      msg.Owner,
		Side:       msg.Side,
		OrderType:  msg.OrderType,
		LimitPrice: msg.LimitPrice,
		StopPrice:  msg.StopPrice,
		Quantity:   msg.Quantity,
	})

	// Execution reports for whatever traded; settlement aborts still
	// produced committed trades that the client must hear about.
	if result != nil {
		for _, trade := range result.Trades {
			s.reportQuiet(clientAddress, &Report{
				MessageType: ExecutionReport,
				Status:      result.Order.Status,
				Sequence:    trade.Sequence,
				Pair:        trade.Pair,
				OrderUUID:   result.Order.UUID,
				Price:       trade.Price,
				Quantity:    trade.Quantity,
				Filled:      result.Order.Filled(),
			})
		}
	}

	if err != nil {
		report := &Report{MessageType: ErrorReport, Err: err.Error()}
		if result != nil {
			report.OrderUUID = result.Order.UUID
			report.Pair = result.Order.Pair
			report.Status = result.Order.Status
			report.Filled = result.Order.Filled()
		}
		s.reportQuiet(clientAddress, report)
		return
	}

	s.reportQuiet(clientAddress, &Report{
		MessageType: AcceptanceReport,
		Status:      result.Order.Status,
		Pair:        result.Order.Pair,
		OrderUUID:   result.Order.UUID,
		Price:       result.Order.LimitPrice,
		Quantity:    result.Order.TotalQuantity,
		Filled:      result.Order.Filled(),
	})
}

func (s *Server) handleCancelOrder(clientAddress string, msg CancelOrderMessage) {
	order, err := s.exchange.CancelOrder(msg.Pair, msg.OrderUUID, msg.Owner)
	if err != nil {
		s.reportQuiet(clientAddress, &Report{
			MessageType: ErrorReport,
			Pair:        msg.Pair,
			OrderUUID:   msg.OrderUUID,
			Err:         err.Error(),
		})
		return
	}

	s.reportQuiet(clientAddress, &Report{
		MessageType: AcceptanceReport,
		Status:      order.Status,
		Pair:        order.Pair,
		OrderUUID:   order.UUID,
		Price:       order.LimitPrice,
		Quantity:    order.TotalQuantity,
		Filled:      order.Filled(),
	})
}

func (s *Server) reportQuiet(clientAddress string, report *Report) {
	if err := s.Report(clientAddress, report); err != nil {
		log.Warn().
			Err(err).
			Str("address", clientAddress).
			Msg("unable to report to client")
	}
}

// handleConnection is a short-lived worker method which reads the next
// framed message off the connection, parses it and passes it forward to
// sessionHandler. If the connection dies, the client session is cleaned
// up. Any error returned from here is fatal to the pool.
func (s *Server) handleConnection(t *tomb.Tomb, task any) error {
	conn, ok := task.(net.Conn)
	if !ok {
		return ErrImproperConversion
	}
	address := conn.RemoteAddr().String()

	if err := conn.SetReadDeadline(time.Now().Add(defaultIdleTimeout)); err != nil {
		log.Error().Str("address", address).Err(err).Msg("failed setting deadline")
		s.dropClientSession(conn)
		return nil
	}

	select {
	case <-t.Dying():
		return nil
	default:
		payload, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Error().
					Err(err).
					Str("address", address).
					Msg("error reading from connection")
			}
			s.dropClientSession(conn)
			return nil
		}

		message, err := parseMessage(payload)
		if err != nil {
			log.Error().
				Err(err).
				Str("address", address).
				Msg("error parsing message")
			s.dropClientSession(conn)
			return nil
		}

		// Pass over to the message handling buffer and exit this worker.
		s.clientMessages <- ClientMessage{
			message:       message,
			clientAddress: address,
		}

		// Push the client connection back to handle the next message.
		s.pool.AddTask(conn)
	}
	return nil
}

// Frames are u16 length prefixed so one read is always one message.
func ReadFrame(conn net.Conn) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(header[:]))
	if n > MAX_RECV_SIZE {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteFrame(conn net.Conn, payload []byte) error {
	if len(payload) > MAX_RECV_SIZE {
		return ErrFrameTooLarge
	}
	var header [2]byte
	binary.BigEndian.PutUint16(header[:], uint16(len(payload)))
	if _, err := conn.Write(header[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

// addClientSession is an atomic map add
func (s *Server) addClientSession(conn net.Conn) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	s.clientSessions[conn.RemoteAddr().String()] = ClientSession{
		conn: conn,
	}
}

// dropClientSession closes the connection and forgets the session.
func (s *Server) dropClientSession(conn net.Conn) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	delete(s.clientSessions, conn.RemoteAddr().String())
	if err := conn.Close(); err != nil {
		log.Error().Str("address", conn.RemoteAddr().String()).Err(err).Msg("closing session")
	}
}

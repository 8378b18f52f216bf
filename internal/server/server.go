package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"hoymiles-bridge/internal/sunspec"
)

// Modbus TCP front end for the aggregated SunSpec device. Requests are
// MBAP framed; reads are served straight from the register image, writes
// are validated against the Model 123 window and forwarded to the power
// limit translator.

const (
	// MaxClients bounds concurrent TCP connections; extra connections are
	// closed on accept.
	MaxClients = 4

	maxReadCount  = 125
	maxWriteCount = 100

	excIllegalFunction = 0x01
	excIllegalAddress  = 0x02
	excIllegalValue    = 0x03
)

// Config wires the server to the register image and the command path.
type Config struct {
	Address      string
	UnitID       uint8
	Image        *sunspec.Image
	OnPowerLimit func(pctRaw uint16, enabled bool)
}

// Stats is a point-in-time view of the served side.
type Stats struct {
	ActiveClients int
	RequestCount  uint32
	ErrorCount    uint32
	LastActivity  time.Time
}

type clientSlot struct {
	conn        net.Conn
	connectedAt time.Time
}

type Server struct {
	cfg      Config
	listener net.Listener

	mu           sync.Mutex
	slots        [MaxClients]*clientSlot
	requestCount uint32
	errorCount   uint32
	lastActivity time.Time
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// Start binds the listener and begins accepting clients. A bind failure is
// returned to the caller; the RTU path is unaffected by it.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	s.listener = ln
	log.Printf("Modbus TCP listening on %s (unit_id=%d)", ln.Addr(), s.cfg.UnitID)

	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.mu.Lock()
	for i, slot := range s.slots {
		if slot != nil {
			slot.conn.Close()
			s.slots[i] = nil
		}
	}
	s.mu.Unlock()
	return err
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		RequestCount: s.requestCount,
		ErrorCount:   s.errorCount,
		LastActivity: s.lastActivity,
	}
	for _, slot := range s.slots {
		if slot != nil {
			st.ActiveClients++
		}
	}
	return st
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("TCP accept error: %v", err)
			continue
		}

		slot := s.placeClient(conn)
		if slot < 0 {
			log.Printf("TCP: no client slot available, rejecting %s", conn.RemoteAddr())
			conn.Close()
			continue
		}
		log.Printf("TCP: client connected from %s (slot %d)", conn.RemoteAddr(), slot)
		go s.serveClient(conn, slot)
	}
}

func (s *Server) placeClient(conn net.Conn) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		if s.slots[i] == nil {
			s.slots[i] = &clientSlot{conn: conn, connectedAt: time.Now()}
			return i
		}
	}
	return -1
}

func (s *Server) releaseClient(slot int) {
	s.mu.Lock()
	if s.slots[slot] != nil {
		s.slots[slot].conn.Close()
		s.slots[slot] = nil
	}
	s.mu.Unlock()
}

// serveClient reads MBAP-framed requests until the peer closes. Pipelined
// requests are handled one frame at a time by framing on the declared
// length.
func (s *Server) serveClient(conn net.Conn, slot int) {
	defer func() {
		log.Printf("TCP: client slot %d disconnected", slot)
		s.releaseClient(slot)
	}()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		txn := binary.BigEndian.Uint16(header[0:2])
		proto := binary.BigEndian.Uint16(header[2:4])
		length := binary.BigEndian.Uint16(header[4:6])
		unitID := header[6]

		if length < 2 || length > 254 {
			return
		}
		body := make([]byte, length-1)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		if proto != 0 {
			continue
		}

		s.mu.Lock()
		s.requestCount++
		s.lastActivity = time.Now()
		s.mu.Unlock()

		if unitID != s.cfg.UnitID {
			continue
		}

		s.handleRequest(conn, txn, unitID, body)
	}
}

func (s *Server) handleRequest(conn net.Conn, txn uint16, unitID uint8, body []byte) {
	fc := body[0]
	pdu := body[1:]

	switch fc {
	case 0x03:
		s.handleReadHolding(conn, txn, unitID, pdu)
	case 0x06:
		s.handleWriteSingle(conn, txn, unitID, pdu)
	case 0x10:
		s.handleWriteMultiple(conn, txn, unitID, pdu)
	default:
		log.Printf("TCP: unsupported function code 0x%02X", fc)
		s.sendException(conn, txn, unitID, fc, excIllegalFunction)
	}
}

func (s *Server) handleReadHolding(conn net.Conn, txn uint16, unitID uint8, pdu []byte) {
	if len(pdu) < 4 {
		return
	}
	start := binary.BigEndian.Uint16(pdu[0:2])
	count := binary.BigEndian.Uint16(pdu[2:4])

	if count > maxReadCount {
		s.sendException(conn, txn, unitID, 0x03, excIllegalValue)
		return
	}
	regs, ok := s.cfg.Image.Read(start, count)
	if !ok {
		s.sendException(conn, txn, unitID, 0x03, excIllegalAddress)
		return
	}

	resp := make([]byte, 1+len(regs)*2)
	resp[0] = byte(len(regs) * 2)
	for i, r := range regs {
		binary.BigEndian.PutUint16(resp[1+i*2:], r)
	}
	s.sendResponse(conn, txn, unitID, 0x03, resp)
}

func (s *Server) handleWriteSingle(conn net.Conn, txn uint16, unitID uint8, pdu []byte) {
	if len(pdu) < 4 {
		return
	}
	reg := binary.BigEndian.Uint16(pdu[0:2])
	val := binary.BigEndian.Uint16(pdu[2:4])

	ok, touched := s.cfg.Image.Write(reg, []uint16{val})
	if !ok {
		log.Printf("TCP: write rejected, register %d outside controls window", reg)
		s.sendException(conn, txn, unitID, 0x06, excIllegalAddress)
		return
	}
	s.sendResponse(conn, txn, unitID, 0x06, pdu[0:4])
	s.forwardIfTouched(touched)
}

func (s *Server) handleWriteMultiple(conn net.Conn, txn uint16, unitID uint8, pdu []byte) {
	if len(pdu) < 5 {
		return
	}
	reg := binary.BigEndian.Uint16(pdu[0:2])
	count := binary.BigEndian.Uint16(pdu[2:4])
	byteCount := int(pdu[4])

	if count == 0 || count > maxWriteCount || byteCount != int(count)*2 || len(pdu) < 5+byteCount {
		s.sendException(conn, txn, unitID, 0x10, excIllegalValue)
		return
	}

	values := make([]uint16, count)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(pdu[5+i*2:])
	}

	ok, touched := s.cfg.Image.Write(reg, values)
	if !ok {
		log.Printf("TCP: write rejected, registers %d+%d outside controls window", reg, count)
		s.sendException(conn, txn, unitID, 0x10, excIllegalAddress)
		return
	}
	s.sendResponse(conn, txn, unitID, 0x10, pdu[0:4])
	s.forwardIfTouched(touched)
}

func (s *Server) forwardIfTouched(touched bool) {
	if !touched || s.cfg.OnPowerLimit == nil {
		return
	}
	pct, enabled := s.cfg.Image.PowerLimit()
	log.Printf("TCP: power limit command %.1f%%, enabled=%v", float64(pct)/10, enabled)
	s.cfg.OnPowerLimit(pct, enabled)
}

func (s *Server) sendResponse(conn net.Conn, txn uint16, unitID uint8, fc uint8, data []byte) {
	frame := make([]byte, 8+len(data))
	binary.BigEndian.PutUint16(frame[0:2], txn)
	binary.BigEndian.PutUint16(frame[2:4], 0)
	binary.BigEndian.PutUint16(frame[4:6], uint16(2+len(data)))
	frame[6] = unitID
	frame[7] = fc
	copy(frame[8:], data)
	conn.Write(frame)
}

func (s *Server) sendException(conn net.Conn, txn uint16, unitID uint8, fc uint8, code uint8) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()
	s.sendResponse(conn, txn, unitID, fc|0x80, []byte{code})
}

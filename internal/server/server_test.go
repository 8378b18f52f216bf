package server

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"hoymiles-bridge/internal/sunspec"
)

func startServer(t *testing.T, onLimit func(uint16, bool)) (*Server, *sunspec.Image) {
	t.Helper()
	im := sunspec.NewImage(sunspec.DeviceIdentity{
		UnitID:        126,
		Phases:        1,
		RatedPowerW:   800,
		RatedVoltageV: 230,
		RatedCurrentA: 3.48,
		Manufacturer:  "Hoymiles",
		ModelName:     "HM Aggregate",
		SerialNumber:  "HM-BRIDGE-001",
	})
	srv := New(Config{
		Address:      "127.0.0.1:0",
		UnitID:       126,
		Image:        im,
		OnPowerLimit: onLimit,
	})
	assert.NilError(t, srv.Start())
	t.Cleanup(func() { srv.Close() })
	return srv, im
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	assert.NilError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func request(txn uint16, unitID uint8, fc uint8, pdu []byte) []byte {
	frame := make([]byte, 8+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], txn)
	binary.BigEndian.PutUint16(frame[4:6], uint16(2+len(pdu)))
	frame[6] = unitID
	frame[7] = fc
	copy(frame[8:], pdu)
	return frame
}

func readResponse(t *testing.T, conn net.Conn) (fc uint8, data []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	header := make([]byte, 7)
	_, err := io.ReadFull(conn, header)
	assert.NilError(t, err)
	length := binary.BigEndian.Uint16(header[4:6])
	body := make([]byte, length-1)
	_, err = io.ReadFull(conn, body)
	assert.NilError(t, err)
	return body[0], body[1:]
}

func u16pdu(words ...uint16) []byte {
	b := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(b[i*2:], w)
	}
	return b
}

func TestReadHoldingHeader(t *testing.T) {
	srv, _ := startServer(t, nil)
	conn := dial(t, srv)

	conn.Write(request(1, 126, 0x03, u16pdu(40000, 70)))
	fc, data := readResponse(t, conn)

	assert.Equal(t, fc, uint8(0x03))
	assert.Equal(t, data[0], byte(140))
	assert.Equal(t, binary.BigEndian.Uint16(data[1:3]), uint16(0x5375))
	assert.Equal(t, binary.BigEndian.Uint16(data[3:5]), uint16(0x6e53))
	// Model 1 header follows the marker.
	assert.Equal(t, binary.BigEndian.Uint16(data[5:7]), uint16(1))
	assert.Equal(t, binary.BigEndian.Uint16(data[7:9]), uint16(66))
}

func TestReadHoldingOperatingState(t *testing.T) {
	srv, _ := startServer(t, nil)
	conn := dial(t, srv)

	// INV_St sits at image offset 70+2+36 = 108.
	conn.Write(request(2, 126, 0x03, u16pdu(40108, 1)))
	fc, data := readResponse(t, conn)
	assert.Equal(t, fc, uint8(0x03))
	assert.Equal(t, binary.BigEndian.Uint16(data[1:3]), uint16(sunspec.StateSleeping))
}

func TestReadHoldingCountTooLarge(t *testing.T) {
	srv, _ := startServer(t, nil)
	conn := dial(t, srv)

	conn.Write(request(3, 126, 0x03, u16pdu(40000, 126)))
	fc, data := readResponse(t, conn)
	assert.Equal(t, fc, uint8(0x83))
	assert.Equal(t, data[0], byte(0x03))
}

func TestReadHoldingOutOfRange(t *testing.T) {
	srv, _ := startServer(t, nil)
	conn := dial(t, srv)

	conn.Write(request(4, 126, 0x03, u16pdu(40170, 9)))
	fc, data := readResponse(t, conn)
	assert.Equal(t, fc, uint8(0x83))
	assert.Equal(t, data[0], byte(0x02))

	conn.Write(request(5, 126, 0x03, u16pdu(39999, 2)))
	fc, data = readResponse(t, conn)
	assert.Equal(t, fc, uint8(0x83))
	assert.Equal(t, data[0], byte(0x02))
}

func TestWriteSingleInControlsWindow(t *testing.T) {
	var gotPct uint16
	var gotEna bool
	called := make(chan struct{}, 1)
	srv, im := startServer(t, func(pct uint16, ena bool) {
		gotPct, gotEna = pct, ena
		called <- struct{}{}
	})
	conn := dial(t, srv)

	reg := uint16(40000 + sunspec.OffM123 + 2 + 5) // WMaxLimPct
	conn.Write(request(6, 126, 0x06, u16pdu(reg, 500)))
	fc, data := readResponse(t, conn)

	assert.Equal(t, fc, uint8(0x06))
	assert.Equal(t, binary.BigEndian.Uint16(data[0:2]), reg)
	assert.Equal(t, binary.BigEndian.Uint16(data[2:4]), uint16(500))

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("power limit callback not invoked")
	}
	assert.Equal(t, gotPct, uint16(500))
	assert.Assert(t, !gotEna)

	pct, _ := im.PowerLimit()
	assert.Equal(t, pct, uint16(500))
}

func TestWriteSingleOutsideWindow(t *testing.T) {
	srv, _ := startServer(t, nil)
	conn := dial(t, srv)

	conn.Write(request(7, 126, 0x06, u16pdu(40000+sunspec.OffInv+2, 0)))
	fc, data := readResponse(t, conn)
	assert.Equal(t, fc, uint8(0x86))
	assert.Equal(t, data[0], byte(0x02))
}

func TestWriteMultiple(t *testing.T) {
	var gotPct uint16
	var gotEna bool
	called := make(chan struct{}, 1)
	srv, _ := startServer(t, func(pct uint16, ena bool) {
		gotPct, gotEna = pct, ena
		called <- struct{}{}
	})
	conn := dial(t, srv)

	// Write WMaxLimPct..WMaxLim_Ena in one request.
	start := uint16(40000 + sunspec.OffM123 + 2 + 5)
	pdu := u16pdu(start, 4)
	pdu = append(pdu, 8)
	pdu = append(pdu, u16pdu(330, 0, 0, 1)...)

	conn.Write(request(8, 126, 0x10, pdu))
	fc, data := readResponse(t, conn)
	assert.Equal(t, fc, uint8(0x10))
	assert.Equal(t, binary.BigEndian.Uint16(data[0:2]), start)
	assert.Equal(t, binary.BigEndian.Uint16(data[2:4]), uint16(4))

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("power limit callback not invoked")
	}
	assert.Equal(t, gotPct, uint16(330))
	assert.Assert(t, gotEna)
}

func TestWriteMultipleByteCountMismatch(t *testing.T) {
	srv, _ := startServer(t, nil)
	conn := dial(t, srv)

	start := uint16(40000 + sunspec.OffM123 + 2 + 5)
	pdu := u16pdu(start, 2)
	pdu = append(pdu, 7) // should be 4
	pdu = append(pdu, u16pdu(330, 1)...)
	pdu = append(pdu, 0)

	conn.Write(request(9, 126, 0x10, pdu))
	fc, data := readResponse(t, conn)
	assert.Equal(t, fc, uint8(0x90))
	assert.Equal(t, data[0], byte(0x03))
}

func TestUnsupportedFunction(t *testing.T) {
	srv, _ := startServer(t, nil)
	conn := dial(t, srv)

	conn.Write(request(10, 126, 0x01, u16pdu(0, 1)))
	fc, data := readResponse(t, conn)
	assert.Equal(t, fc, uint8(0x81))
	assert.Equal(t, data[0], byte(0x01))
}

func TestUnitIDFilter(t *testing.T) {
	srv, _ := startServer(t, nil)
	conn := dial(t, srv)

	conn.Write(request(11, 99, 0x03, u16pdu(40000, 2)))

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 16)
	_, err := conn.Read(buf)
	nerr, ok := err.(net.Error)
	assert.Assert(t, ok && nerr.Timeout(), "expected no response, got %v", err)

	// The connection still serves correctly addressed requests.
	conn.Write(request(12, 126, 0x03, u16pdu(40000, 1)))
	fc, _ := readResponse(t, conn)
	assert.Equal(t, fc, uint8(0x03))
}

func TestClientCap(t *testing.T) {
	srv, _ := startServer(t, nil)

	conns := make([]net.Conn, 0, MaxClients)
	for i := 0; i < MaxClients; i++ {
		conns = append(conns, dial(t, srv))
		conns[i].Write(request(uint16(20+i), 126, 0x03, u16pdu(40000, 1)))
		fc, _ := readResponse(t, conns[i])
		assert.Equal(t, fc, uint8(0x03))
	}

	extra := dial(t, srv)
	extra.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := extra.Read(make([]byte, 1))
	assert.Equal(t, err, io.EOF)

	// Freeing a slot admits a new client.
	conns[0].Close()
	time.Sleep(50 * time.Millisecond)
	again := dial(t, srv)
	again.Write(request(30, 126, 0x03, u16pdu(40000, 1)))
	fc, _ := readResponse(t, again)
	assert.Equal(t, fc, uint8(0x03))
}

func TestStats(t *testing.T) {
	srv, _ := startServer(t, nil)
	conn := dial(t, srv)

	conn.Write(request(40, 126, 0x03, u16pdu(40000, 1)))
	readResponse(t, conn)
	conn.Write(request(41, 126, 0x03, u16pdu(40000, 126)))
	readResponse(t, conn)

	st := srv.Stats()
	assert.Equal(t, st.ActiveClients, 1)
	assert.Equal(t, st.RequestCount, uint32(2))
	assert.Equal(t, st.ErrorCount, uint32(1))
	assert.Assert(t, !st.LastActivity.IsZero())
}

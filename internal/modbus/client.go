package modbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/simonvetter/modbus"
)

// Client is a Modbus TCP client used to exercise the bridge from the
// outside, the same way a GX controller would.
type Client struct {
	client  *modbus.ModbusClient
	mu      sync.Mutex
	addr    string
	unitID  uint8
	timeout time.Duration
}

func NewClient(addr string, unitID uint8, timeout time.Duration) *Client {
	return &Client{
		addr:    addr,
		unitID:  unitID,
		timeout: timeout,
	}
}

func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s", c.addr),
		Timeout: c.timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create modbus client: %w", err)
	}

	if err := client.Open(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}

	client.SetUnitId(c.unitID)
	c.client = client

	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) ReadHoldingRegisters(address uint16, quantity uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, fmt.Errorf("client not connected")
	}

	regs, err := c.client.ReadRegisters(address, quantity, modbus.HOLDING_REGISTER)
	if err != nil {
		return nil, fmt.Errorf("failed to read holding registers at %d: %w", address, err)
	}

	return regs, nil
}

func (c *Client) ReadUint16(address uint16) (uint16, error) {
	regs, err := c.ReadHoldingRegisters(address, 1)
	if err != nil {
		return 0, err
	}
	return regs[0], nil
}

func (c *Client) WriteRegister(address uint16, value uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return fmt.Errorf("client not connected")
	}

	if err := c.client.WriteRegister(address, value); err != nil {
		return fmt.Errorf("failed to write register %d: %w", address, err)
	}
	return nil
}

// ReadString reads a SunSpec packed string: big-endian character pairs,
// trailing NULs stripped.
func (c *Client) ReadString(address uint16, length uint16) (string, error) {
	regs, err := c.ReadHoldingRegisters(address, length)
	if err != nil {
		return "", err
	}

	bytes := make([]byte, 0, length*2)
	for _, reg := range regs {
		bytes = append(bytes, byte(reg>>8), byte(reg&0xFF))
	}

	// Remove null bytes
	for len(bytes) > 0 && bytes[len(bytes)-1] == 0 {
		bytes = bytes[:len(bytes)-1]
	}

	return string(bytes), nil
}

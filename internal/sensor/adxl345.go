package sensor

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"codeberg.org/mutker/vibrationmon/internal/errors"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

const (
	// SPIClockFrequency is the maximum SPI clock the ADXL345 supports.
	SPIClockFrequency = 5 * physic.MegaHertz
	// SPIMode is CPOL=1, CPHA=1 as required by the datasheet.
	SPIMode = spi.Mode3

	regDevID      = 0x00
	regBWRate     = 0x2C
	regPowerCtl   = 0x2D
	regDataFormat = 0x31
	regDataX0     = 0x32

	deviceID    = 0xE5
	rate100Hz   = 0x0A
	measureMode = 0x08

	readFlag      = 0x80
	multiByteFlag = 0x40

	// 10-bit output when FULL_RES is clear
	resolution = 1024
)

// ADXL345 is a sensor handle for an Analog Devices ADXL345 on an SPI bus.
type ADXL345 struct {
	mu     sync.Mutex
	conn   spi.Conn
	closer io.Closer
	rng    GravityRange
	scale  float64
}

// NewADXL345 configures the device behind conn for the given range and
// switches it to measurement mode. closer, if not nil, is closed by Close.
func NewADXL345(conn spi.Conn, closer io.Closer, r GravityRange) (*ADXL345, error) {
	errFactory := errors.New()

	if !r.IsValid() {
		return nil, errFactory.WithData(errors.ErrInvalidGravityRange, r.String())
	}

	d := &ADXL345{
		conn:   conn,
		closer: closer,
		rng:    r,
		scale:  2 * r.G() / resolution,
	}

	id, err := d.readRegister(regDevID)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrSensorOpen, err)
	}
	if id != deviceID {
		return nil, errFactory.WithData(errors.ErrSensorOpen, fmt.Sprintf("unexpected device id 0x%02X", id))
	}

	for _, w := range [][2]byte{
		{regDataFormat, byte(r)},
		{regBWRate, rate100Hz},
		{regPowerCtl, measureMode},
	} {
		if err := d.writeRegister(w[0], w[1]); err != nil {
			return nil, errFactory.Wrap(errors.ErrSensorOpen, err)
		}
	}

	return d, nil
}

func (d *ADXL345) Acceleration() (Acceleration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	w := make([]byte, 7)
	r := make([]byte, 7)
	w[0] = regDataX0 | readFlag | multiByteFlag

	if err := d.conn.Tx(w, r); err != nil {
		return Acceleration{}, errors.New().Wrap(errors.ErrSensorRead, err)
	}

	x := int16(binary.LittleEndian.Uint16(r[1:3]))
	y := int16(binary.LittleEndian.Uint16(r[3:5]))
	z := int16(binary.LittleEndian.Uint16(r[5:7]))

	return Acceleration{
		X: float64(x) * d.scale,
		Y: float64(y) * d.scale,
		Z: float64(z) * d.scale,
	}, nil
}

func (d *ADXL345) Range() GravityRange {
	return d.rng
}

// Close puts the device in standby and releases the port.
func (d *ADXL345) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.writeRegisterLocked(regPowerCtl, 0)
	if cerr := d.releaseLocked(); cerr != nil && err == nil {
		err = cerr
	}

	return err
}

// Release frees the port without touching the device, which stays in
// measurement mode for the handle that replaced this one.
func (d *ADXL345) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.releaseLocked()
}

func (d *ADXL345) releaseLocked() error {
	if d.closer == nil {
		return nil
	}

	closer := d.closer
	d.closer = nil

	return closer.Close()
}

func (d *ADXL345) readRegister(reg byte) (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	w := []byte{reg | readFlag, 0}
	r := make([]byte, 2)
	if err := d.conn.Tx(w, r); err != nil {
		return 0, err
	}

	return r[1], nil
}

func (d *ADXL345) writeRegister(reg, value byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.writeRegisterLocked(reg, value)
}

func (d *ADXL345) writeRegisterLocked(reg, value byte) error {
	return d.conn.Tx([]byte{reg, value}, nil)
}

// SPIOpener opens ADXL345 handles on a named periph SPI port.
type SPIOpener struct {
	Port string

	hostOnce sync.Once
	hostErr  error
}

func (o *SPIOpener) Open(r GravityRange) (Sensor, error) {
	errFactory := errors.New()

	o.hostOnce.Do(func() {
		_, o.hostErr = host.Init()
	})
	if o.hostErr != nil {
		return nil, errFactory.Wrap(errors.ErrSensorOpen, o.hostErr)
	}

	port, err := spireg.Open(o.Port)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrSensorOpen, err)
	}

	conn, err := port.Connect(SPIClockFrequency, SPIMode, 8)
	if err != nil {
		port.Close()
		return nil, errFactory.Wrap(errors.ErrSensorOpen, err)
	}

	d, err := NewADXL345(conn, port, r)
	if err != nil {
		port.Close()
		return nil, err
	}

	return d, nil
}

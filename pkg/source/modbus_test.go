package source

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegisters is an in-memory register bank standing in for the TCP client.
type fakeRegisters struct {
	input      map[uint16][]byte
	holding    map[uint16][]byte
	inputErr   error
	holdingErr error
	closes     int
}

func (f *fakeRegisters) read(bank map[uint16][]byte, address, quantity uint16) ([]byte, error) {
	out := make([]byte, 0, quantity*2)
	for i := uint16(0); i < quantity; i++ {
		b, ok := bank[address+i]
		if !ok {
			return nil, errors.New("illegal data address")
		}
		out = append(out, b...)
	}
	return out, nil
}

func (f *fakeRegisters) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	if f.inputErr != nil {
		return nil, f.inputErr
	}
	return f.read(f.input, address, quantity)
}

func (f *fakeRegisters) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	if f.holdingErr != nil {
		return nil, f.holdingErr
	}
	return f.read(f.holding, address, quantity)
}

func u16b(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// setU32 stores a 32-bit value across two registers, high word first.
func setU32(bank map[uint16][]byte, addr uint16, v uint32) {
	bank[addr] = u16b(uint16(v >> 16))
	bank[addr+1] = u16b(uint16(v))
}

func newFakeClient(f *fakeRegisters) *RegisterClient {
	c := newRegisterClient("test:502", 1, 50*time.Millisecond)
	c.retryDelay = time.Millisecond
	c.dial = func() (registerReader, func() error, error) {
		return f, func() error { f.closes++; return nil }, nil
	}
	return c
}

func TestReadU32HighWordFirst(t *testing.T) {
	f := &fakeRegisters{input: map[uint16][]byte{}}
	setU32(f.input, regSolarPower, 30000)
	c := newFakeClient(f)

	v, err := c.ReadU32(context.Background(), regSolarPower)
	require.NoError(t, err)
	assert.Equal(t, uint32(30000), v)
}

func TestReadS32Negative(t *testing.T) {
	f := &fakeRegisters{input: map[uint16][]byte{}}
	neg := int32(-15000)
	setU32(f.input, regGridPower, uint32(neg))
	c := newFakeClient(f)

	v, err := c.ReadS32(context.Background(), regGridPower)
	require.NoError(t, err)
	assert.Equal(t, int32(-15000), v)
}

func TestReadFallsBackToHoldingRegisters(t *testing.T) {
	f := &fakeRegisters{
		inputErr: errors.New("illegal function"),
		holding:  map[uint16][]byte{regInverterSOC: u16b(72)},
	}
	c := newFakeClient(f)

	v, err := c.ReadU16(context.Background(), regInverterSOC)
	require.NoError(t, err)
	assert.Equal(t, uint16(72), v)
}

func TestReadExhaustsRetryBudget(t *testing.T) {
	f := &fakeRegisters{
		inputErr:   errors.New("read timeout"),
		holdingErr: errors.New("read timeout"),
	}
	c := newFakeClient(f)

	_, err := c.ReadU16(context.Background(), regInverterSOC)
	assert.ErrorIs(t, err, ErrUnavailable)
	// each failed round tears the connection down for a clean reconnect
	assert.Greater(t, f.closes, 0)
}

func TestReadHonorsContext(t *testing.T) {
	f := &fakeRegisters{
		inputErr:   errors.New("read timeout"),
		holdingErr: errors.New("read timeout"),
	}
	c := newFakeClient(f)
	c.retryBudget = time.Hour
	c.retryDelay = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.ReadU16(ctx, regInverterSOC)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func fullBank() *fakeRegisters {
	f := &fakeRegisters{input: map[uint16][]byte{}}
	setU32(f.input, regSolarPower, 30000)               // 3.0 kW
	setU32(f.input, regLoadPower, 10000)                // 1.0 kW
	setU32(f.input, regBatteryChargePower, 0)
	setU32(f.input, regBatteryDischargePower, 5000)     // 0.5 kW
	setU32(f.input, regGridPower, uint32(int32(25000))) // 2.5 kW export
	f.input[regInverterSOC] = u16b(50)
	f.input[regBMSSOC] = u16b(80)
	f.input[regBMSRemainCapacity] = u16b(45)
	f.input[regBMSFullCapacity] = u16b(50)
	return f
}

func TestSampleNormalizesRegisters(t *testing.T) {
	c := newFakeClient(fullBank())

	r, err := c.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3.0, r.SolarKW)
	assert.Equal(t, 1.0, r.LoadKW)
	assert.Equal(t, 2.5, r.GridExportKW)
	assert.Zero(t, r.GridImportKW)
	assert.Zero(t, r.BatteryChargeKW)
	assert.Equal(t, 0.5, r.BatteryDischargeKW)
	assert.Equal(t, -0.5, r.BatteryNetKW)
	assert.Equal(t, 50, r.SOCInverter)
	// remain/full pair wins over the raw BMS SOC register
	assert.Equal(t, 90, r.SOCBMS)
	assert.True(t, r.Connected)
	assert.False(t, r.Timestamp.IsZero())
}

func TestSampleGridImport(t *testing.T) {
	f := fullBank()
	neg := int32(-15000)
	setU32(f.input, regGridPower, uint32(neg))
	c := newFakeClient(f)

	r, err := c.Sample(context.Background())
	require.NoError(t, err)
	assert.Zero(t, r.GridExportKW)
	assert.Equal(t, 1.5, r.GridImportKW)
}

func TestSampleGridFromEnergyBalance(t *testing.T) {
	// grid register reads zero, which is in the noise band: the flow comes
	// from solar + discharge - load - charge instead
	f := fullBank()
	setU32(f.input, regGridPower, 0)
	c := newFakeClient(f)

	r, err := c.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 2.5, r.GridExportKW, 1e-9)
	assert.Zero(t, r.GridImportKW)
}

func TestSampleSOCPreferenceChain(t *testing.T) {
	f := fullBank()
	delete(f.input, regBMSRemainCapacity)
	c := newFakeClient(f)
	r, err := c.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 80, r.SOCBMS)

	delete(f.input, regBMSSOC)
	r, err = c.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, r.SOCBMS)
}

func TestSampleRequiresSolarAndLoad(t *testing.T) {
	f := fullBank()
	delete(f.input, regSolarPower)
	delete(f.input, regSolarPower+1)
	c := newFakeClient(f)

	_, err := c.Sample(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSampleBatteryBothReportedCollapses(t *testing.T) {
	// some firmware briefly reports charge and discharge at once; the larger
	// flow wins and the other is zeroed
	f := fullBank()
	setU32(f.input, regBatteryChargePower, 20000)   // 2.0 kW
	setU32(f.input, regBatteryDischargePower, 5000) // 0.5 kW
	c := newFakeClient(f)

	r, err := c.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.5, r.BatteryChargeKW)
	assert.Zero(t, r.BatteryDischargeKW)
	assert.Equal(t, 1.5, r.BatteryNetKW)
}

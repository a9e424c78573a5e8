package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/gridsight/gridsight/pkg/log"
	"github.com/gridsight/gridsight/pkg/types"
)

// Input register map for the Growatt SPH series. 32-bit quantities span two
// consecutive registers, high word first. Power registers are in 0.1 W.
const (
	regSolarPower            = 1
	regBatteryChargePower    = 116
	regBatteryDischargePower = 1009
	regInverterSOC           = 1014
	regGridPower             = 1029 // signed, positive = export
	regLoadPower             = 1037
	regBMSSOC                = 1086
	regBMSRemainCapacity     = 1091
	regBMSFullCapacity       = 1092
)

// deciWattsPerKW converts the 0.1 W register unit to kW.
const deciWattsPerKW = 10000.0

// gridNoiseThresholdKW is the magnitude below which the direct grid register
// is ignored: some firmware reports a stale zero or a few watts of noise
// there, in which case the energy-balance identity is more trustworthy.
const gridNoiseThresholdKW = 0.01

// registerReader is the subset of the modbus client we use. The concrete
// goburrow client satisfies it; tests inject a fake.
type registerReader interface {
	ReadInputRegisters(address, quantity uint16) (results []byte, err error)
	ReadHoldingRegisters(address, quantity uint16) (results []byte, err error)
}

// RegisterClient reads telemetry straight from the inverter over Modbus TCP.
// It keeps at most one connection, re-establishes it lazily after a fault and
// serializes all register access because the transport cannot multiplex
// transactions on one connection.
type RegisterClient struct {
	addr        string
	unitID      byte
	retryBudget time.Duration
	retryDelay  time.Duration

	mu      sync.Mutex
	client  registerReader
	closeFn func() error

	// dial overrides the TCP connection, used by tests.
	dial func() (registerReader, func() error, error)
}

func newRegisterClient(addr string, unitID byte, retryBudget time.Duration) *RegisterClient {
	return &RegisterClient{
		addr:        addr,
		unitID:      unitID,
		retryBudget: retryBudget,
		retryDelay:  500 * time.Millisecond,
	}
}

// connect establishes the connection if there isn't one. Must be called with
// c.mu held.
func (c *RegisterClient) connect() error {
	if c.client != nil {
		return nil
	}
	if c.dial != nil {
		client, closeFn, err := c.dial()
		if err != nil {
			return err
		}
		c.client = client
		c.closeFn = closeFn
		return nil
	}
	handler := modbus.NewTCPClientHandler(c.addr)
	handler.Timeout = 5 * time.Second
	handler.SlaveId = c.unitID
	if err := handler.Connect(); err != nil {
		handler.Close()
		return err
	}
	c.client = modbus.NewClient(handler)
	c.closeFn = handler.Close
	return nil
}

// teardown drops the connection so the next read starts from scratch. Must be
// called with c.mu held.
func (c *RegisterClient) teardown() {
	if c.closeFn != nil {
		if err := c.closeFn(); err != nil {
			log.Ctx(context.Background()).Debug("modbus close failed", slog.Any("error", err))
		}
	}
	c.client = nil
	c.closeFn = nil
}

// readRegisters reads count consecutive registers with retries spaced by
// retryDelay until the retry budget elapses. Input registers are tried first;
// some devices expose the same data only as holding registers, so that mode
// is the fallback before the connection is torn down.
func (c *RegisterClient) readRegisters(ctx context.Context, addr, count uint16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.retryBudget)
	for {
		if err := c.connect(); err == nil {
			if b, err := c.client.ReadInputRegisters(addr, count); err == nil && len(b) == int(count)*2 {
				return b, nil
			}
			if b, err := c.client.ReadHoldingRegisters(addr, count); err == nil && len(b) == int(count)*2 {
				return b, nil
			}
			c.teardown()
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("register %d: %w", addr, ErrUnavailable)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
}

// ReadU16 reads one unsigned 16-bit register.
func (c *RegisterClient) ReadU16(ctx context.Context, addr uint16) (uint16, error) {
	b, err := c.readRegisters(ctx, addr, 1)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadU32 reads an unsigned 32-bit value from two consecutive registers.
func (c *RegisterClient) ReadU32(ctx context.Context, addr uint16) (uint32, error) {
	b, err := c.readRegisters(ctx, addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadS32 reads a signed 32-bit value from two consecutive registers.
func (c *RegisterClient) ReadS32(ctx context.Context, addr uint16) (int32, error) {
	v, err := c.ReadU32(ctx, addr)
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

// Sample reads the power and state-of-charge registers and normalizes them
// into one Reading. Solar and load are required; everything else degrades:
// battery powers default to zero, grid flow falls back to the energy-balance
// identity and state of charge walks a preference chain.
func (c *RegisterClient) Sample(ctx context.Context) (types.Reading, error) {
	now := time.Now()

	pvRaw, err := c.ReadU32(ctx, regSolarPower)
	if err != nil {
		return types.Reading{}, fmt.Errorf("solar power: %w", err)
	}
	loadRaw, err := c.ReadS32(ctx, regLoadPower)
	if err != nil {
		return types.Reading{}, fmt.Errorf("load power: %w", err)
	}
	solarKW := float64(pvRaw) / deciWattsPerKW
	loadKW := float64(loadRaw) / deciWattsPerKW

	var chargeKW, dischargeKW float64
	if raw, err := c.ReadU32(ctx, regBatteryChargePower); err == nil {
		chargeKW = float64(raw) / deciWattsPerKW
	}
	if raw, err := c.ReadU32(ctx, regBatteryDischargePower); err == nil {
		dischargeKW = float64(raw) / deciWattsPerKW
	}
	// collapse to a net flow so charge and discharge stay mutually exclusive
	// even if the inverter briefly reports both
	batteryNetKW := chargeKW - dischargeKW
	chargeKW, dischargeKW = types.SplitSigned(batteryNetKW)

	var exportKW, importKW float64
	gridRaw, gridErr := c.ReadS32(ctx, regGridPower)
	gridKW := float64(gridRaw) / deciWattsPerKW
	if gridErr == nil && math.Abs(gridKW) > gridNoiseThresholdKW {
		exportKW, importKW = types.SplitSigned(gridKW)
	} else {
		// grid register missing or in the noise: derive the flow from the
		// energy-balance identity solar + discharge - load - charge = grid net
		netKW := solarKW + dischargeKW - loadKW - chargeKW
		exportKW, importKW = types.SplitSigned(netKW)
	}

	socInverter, _ := c.ReadU16(ctx, regInverterSOC)
	socBMS := c.batterySOC(ctx, socInverter)

	log.Ctx(ctx).DebugContext(ctx, "modbus sample",
		slog.Float64("solarKW", solarKW),
		slog.Float64("loadKW", loadKW),
		slog.Float64("gridExportKW", exportKW),
		slog.Float64("gridImportKW", importKW),
		slog.Float64("batteryNetKW", batteryNetKW),
		slog.Int("socBMS", socBMS),
	)

	return types.Reading{
		Timestamp:          now,
		SolarKW:            solarKW,
		LoadKW:             loadKW,
		GridExportKW:       exportKW,
		GridImportKW:       importKW,
		BatteryChargeKW:    chargeKW,
		BatteryDischargeKW: dischargeKW,
		BatteryNetKW:       batteryNetKW,
		SOCInverter:        int(socInverter),
		SOCBMS:             socBMS,
		Connected:          true,
	}, nil
}

// batterySOC resolves the battery state of charge, preferring the BMS
// remaining/full capacity pair, then the raw BMS SOC register, then the
// inverter's own SOC register.
func (c *RegisterClient) batterySOC(ctx context.Context, inverterSOC uint16) int {
	remain, errRemain := c.ReadU16(ctx, regBMSRemainCapacity)
	full, errFull := c.ReadU16(ctx, regBMSFullCapacity)
	if errRemain == nil && errFull == nil && full > 0 {
		return int(math.Round(float64(remain) / float64(full) * 100))
	}
	if soc, err := c.ReadU16(ctx, regBMSSOC); err == nil {
		return int(soc)
	}
	return int(inverterSOC)
}

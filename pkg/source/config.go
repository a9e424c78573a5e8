package source

import (
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
)

// Sources holds the configured acquisition source and, when credentials were
// supplied, the cloud client used for historical reconciliation regardless of
// which source drives the live poll loop.
type Sources struct {
	Source Source
	Cloud  *Growatt
}

// Configured sets up the telemetry sources based on flags.
func Configured() *Sources {
	mode := lflag.String("source", "modbus", "Telemetry source for the poll loop (available: modbus, cloud)")
	modbusAddr := lflag.String("modbus-addr", "192.168.1.100:502", "Inverter Modbus TCP address")
	modbusUnitID := lflag.Int("modbus-unit-id", 1, "Modbus unit/slave ID")
	modbusRetryBudget := lflag.Duration("modbus-retry-budget", 10*time.Second, "Total time budget for register read retries")
	cloudURL := lflag.String("cloud-url", "https://server.growatt.com", "Vendor cloud base URL")
	cloudUsername := lflag.String("cloud-username", "", "Vendor cloud account username")
	cloudPassword := lflag.String("cloud-password", "", "Vendor cloud account password (kept in memory only)")
	cloudPlantID := lflag.String("cloud-plant-id", "", "Vendor cloud plant ID")
	cloudDeviceSN := lflag.String("cloud-device-sn", "", "Vendor cloud device serial number")
	cloudSessionWindow := lflag.Duration("cloud-session-window", 30*time.Minute, "How long a cloud session is trusted before re-authenticating")
	aliasInverterSOC := lflag.Bool("cloud-alias-inverter-soc", true, "Report the BMS state of charge as the inverter value on the cloud source, matching the vendor dashboard")

	s := &Sources{}

	lflag.Do(func() {
		if *cloudUsername != "" {
			s.Cloud = newGrowatt(*cloudURL, *cloudUsername, *cloudPassword, *cloudPlantID, *cloudDeviceSN, *cloudSessionWindow, *aliasInverterSOC)
		}
		switch *mode {
		case "modbus":
			s.Source = newRegisterClient(*modbusAddr, byte(*modbusUnitID), *modbusRetryBudget)
		case "cloud":
			if s.Cloud == nil {
				panic("cloud source requires cloud-username and cloud-password")
			}
			s.Source = s.Cloud
		default:
			panic(fmt.Sprintf("unknown source: %s", *mode))
		}
	})

	return s
}

package marstek

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Mode is a device operating mode.
type Mode string

// Operating modes accepted by ES.SetMode.
const (
	ModeAuto    Mode = "Auto"
	ModeAI      Mode = "AI"
	ModeManual  Mode = "Manual"
	ModePassive Mode = "Passive"
)

// ParseMode accepts a mode name in any letter case.
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeAuto, ModeAI, ModeManual, ModePassive} {
		if strings.EqualFold(s, string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// ConfigKey returns the per-mode config member name, e.g. "manual_cfg".
func (m Mode) ConfigKey() string {
	return strings.ToLower(string(m)) + "_cfg"
}

// Schedule slot limits.
const (
	// SlotCount is the number of schedule slots the device stores.
	SlotCount = 10

	// DefaultMinPower and DefaultMaxPower bound the magnitude of an enabled
	// slot's power in watts.
	DefaultMinPower = 100
	DefaultMaxPower = 800
)

// Week masks. Bit 0 is Monday, bit 6 is Sunday.
const (
	Monday    = 1 << 0
	Tuesday   = 1 << 1
	Wednesday = 1 << 2
	Thursday  = 1 << 3
	Friday    = 1 << 4
	Saturday  = 1 << 5
	Sunday    = 1 << 6

	Weekdays = Monday | Tuesday | Wednesday | Thursday | Friday
	Weekend  = Saturday | Sunday
	AllDays  = Weekdays | Weekend
)

// DaysMask builds a week mask from time.Weekday values.
func DaysMask(days ...time.Weekday) int {
	mask := 0
	for _, d := range days {
		mask |= 1 << ((int(d) + 6) % 7)
	}
	return mask
}

// PowerLimits is the accepted band for slot power magnitude.
type PowerLimits struct {
	Min int
	Max int
}

// DefaultPowerLimits is the Venus E band.
var DefaultPowerLimits = PowerLimits{Min: DefaultMinPower, Max: DefaultMaxPower}

// ScheduleSlot is one time-of-day charge/discharge rule.
// Power is negative for charging and positive for discharging.
//
// The device cannot report slots back, so a slot is only ever written.
type ScheduleSlot struct {
	Slot    int    `json:"time_num"`
	Start   string `json:"start_time"`
	End     string `json:"end_time"`
	Days    int    `json:"week_set"`
	Power   int    `json:"power"`
	Enabled bool   `json:"enable"`
}

// UnmarshalJSON accepts "enable" either as a boolean or in the 0/1 wire
// form that Fields produces.
func (s *ScheduleSlot) UnmarshalJSON(data []byte) error {
	type plain ScheduleSlot
	var aux struct {
		plain
		Enabled json.RawMessage `json:"enable"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*s = ScheduleSlot(aux.plain)
	if len(aux.Enabled) == 0 {
		return nil
	}

	var v any
	if err := json.Unmarshal(aux.Enabled, &v); err != nil {
		return fmt.Errorf("%w: enable: %w", ErrInvalidSlot, err)
	}
	switch e := v.(type) {
	case nil:
	case bool:
		s.Enabled = e
	case float64:
		if e != 0 && e != 1 {
			return fmt.Errorf("%w: enable must be 0 or 1, got %v", ErrInvalidSlot, e)
		}
		s.Enabled = e == 1
	default:
		return fmt.Errorf("%w: enable must be a boolean or 0/1", ErrInvalidSlot)
	}
	return nil
}

// DisabledSlot returns the payload used to switch a slot off.
func DisabledSlot(slot int) ScheduleSlot {
	return ScheduleSlot{
		Slot:    slot,
		Start:   "00:00",
		End:     "23:59",
		Days:    AllDays,
		Power:   DefaultMinPower,
		Enabled: false,
	}
}

// Validate checks the slot against the default power band.
func (s ScheduleSlot) Validate() error {
	return s.ValidateWith(DefaultPowerLimits)
}

// ValidateWith checks the slot against the given power band.
//
// A week mask of 0 is rejected explicitly: the device accepts it but the
// slot would never fire.
func (s ScheduleSlot) ValidateWith(limits PowerLimits) error {
	if s.Slot < 0 || s.Slot >= SlotCount {
		return fmt.Errorf("%w: slot %d must be 0-%d", ErrInvalidSlot, s.Slot, SlotCount-1)
	}
	if err := validateClock(s.Start); err != nil {
		return fmt.Errorf("%w: start_time: %w", ErrInvalidSlot, err)
	}
	if err := validateClock(s.End); err != nil {
		return fmt.Errorf("%w: end_time: %w", ErrInvalidSlot, err)
	}
	if s.Days == 0 {
		return fmt.Errorf("%w: week_set 0 selects no days", ErrInvalidSlot)
	}
	if s.Days < 0 || s.Days > AllDays {
		return fmt.Errorf("%w: week_set %d must be 1-%d", ErrInvalidSlot, s.Days, AllDays)
	}

	magnitude := abs(s.Power)
	if s.Enabled || magnitude != 0 {
		if magnitude < limits.Min || magnitude > limits.Max {
			return fmt.Errorf("%w: power magnitude %d must be %d-%d W",
				ErrInvalidSlot, magnitude, limits.Min, limits.Max)
		}
	}

	return nil
}

// Fields returns the slot as wire members. Enabled is sent as 0/1.
func (s ScheduleSlot) Fields() map[string]any {
	enable := 0
	if s.Enabled {
		enable = 1
	}
	return map[string]any{
		"time_num":   s.Slot,
		"start_time": s.Start,
		"end_time":   s.End,
		"week_set":   s.Days,
		"power":      s.Power,
		"enable":     enable,
	}
}

// SignedPower applies the charge/discharge sign convention to a magnitude.
func SignedPower(watts int, charge bool) int {
	watts = abs(watts)
	if charge {
		return -watts
	}
	return watts
}

// ValidatePassive checks a passive-mode request. A countdown of 0 means
// the setting holds indefinitely.
func ValidatePassive(power, countdownSeconds int, limits PowerLimits) error {
	if countdownSeconds < 0 {
		return fmt.Errorf("%w: cd_time %d must not be negative", ErrInvalidPower, countdownSeconds)
	}
	if abs(power) > limits.Max {
		return fmt.Errorf("%w: power magnitude %d exceeds %d W", ErrInvalidPower, abs(power), limits.Max)
	}
	return nil
}

func validateClock(s string) error {
	if len(s) != len("15:04") || s[2] != ':' {
		return fmt.Errorf("%q is not HH:MM", s)
	}
	if _, err := time.Parse("15:04", s); err != nil {
		return fmt.Errorf("%q is not a 24h time", s)
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

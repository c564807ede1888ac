package marstek

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"Auto", ModeAuto, false},
		{"ai", ModeAI, false},
		{"MANUAL", ModeManual, false},
		{"passive", ModePassive, false},
		{"Eco", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidMode) {
					t.Errorf("ParseMode(%q) error = %v, want ErrInvalidMode", tt.in, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseMode(%q) = %q, %v", tt.in, got, err)
			}
		})
	}
}

func TestModeConfigKey(t *testing.T) {
	if got := ModeAI.ConfigKey(); got != "ai_cfg" {
		t.Errorf("ModeAI.ConfigKey() = %q", got)
	}
	if got := ModeManual.ConfigKey(); got != "manual_cfg" {
		t.Errorf("ModeManual.ConfigKey() = %q", got)
	}
}

func TestDaysMask(t *testing.T) {
	if got := DaysMask(time.Monday); got != Monday {
		t.Errorf("Monday = %d", got)
	}
	if got := DaysMask(time.Sunday); got != Sunday {
		t.Errorf("Sunday = %d, want 64", got)
	}
	if got := DaysMask(time.Saturday, time.Sunday); got != Weekend {
		t.Errorf("weekend = %d, want %d", got, Weekend)
	}
	if AllDays != 127 || Weekdays != 31 {
		t.Errorf("AllDays = %d, Weekdays = %d", AllDays, Weekdays)
	}
}

func TestScheduleSlotValidate(t *testing.T) {
	valid := ScheduleSlot{Slot: 2, Start: "08:00", End: "16:30", Days: Weekdays, Power: -800, Enabled: true}

	tests := []struct {
		name    string
		mutate  func(s *ScheduleSlot)
		wantErr bool
	}{
		{"valid charge", func(*ScheduleSlot) {}, false},
		{"valid discharge", func(s *ScheduleSlot) { s.Power = 100 }, false},
		{"slot too low", func(s *ScheduleSlot) { s.Slot = -1 }, true},
		{"slot too high", func(s *ScheduleSlot) { s.Slot = 10 }, true},
		{"bad start", func(s *ScheduleSlot) { s.Start = "8:00" }, true},
		{"bad end hour", func(s *ScheduleSlot) { s.End = "24:00" }, true},
		{"bad end minute", func(s *ScheduleSlot) { s.End = "12:60" }, true},
		{"week_set zero", func(s *ScheduleSlot) { s.Days = 0 }, true},
		{"week_set too large", func(s *ScheduleSlot) { s.Days = 128 }, true},
		{"power below band", func(s *ScheduleSlot) { s.Power = 50 }, true},
		{"power above band", func(s *ScheduleSlot) { s.Power = -801 }, true},
		{"enabled with zero power", func(s *ScheduleSlot) { s.Power = 0 }, true},
		{"disabled with zero power", func(s *ScheduleSlot) { s.Power = 0; s.Enabled = false }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slot := valid
			tt.mutate(&slot)
			err := slot.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidSlot) {
				t.Errorf("Validate() error = %v, want ErrInvalidSlot", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestDisabledSlotIsValid(t *testing.T) {
	for i := range SlotCount {
		slot := DisabledSlot(i)
		if err := slot.Validate(); err != nil {
			t.Errorf("DisabledSlot(%d).Validate() = %v", i, err)
		}
		f := slot.Fields()
		if f["enable"] != 0 || f["week_set"] != 127 || f["time_num"] != i {
			t.Errorf("DisabledSlot(%d).Fields() = %v", i, f)
		}
	}
}

func TestValidatePassive(t *testing.T) {
	if err := ValidatePassive(-500, 0, DefaultPowerLimits); err != nil {
		t.Errorf("indefinite countdown rejected: %v", err)
	}
	if err := ValidatePassive(300, -1, DefaultPowerLimits); !errors.Is(err, ErrInvalidPower) {
		t.Errorf("negative countdown error = %v", err)
	}
	if err := ValidatePassive(900, 60, DefaultPowerLimits); !errors.Is(err, ErrInvalidPower) {
		t.Errorf("excess power error = %v", err)
	}
}

func TestSignedPower(t *testing.T) {
	if got := SignedPower(400, true); got != -400 {
		t.Errorf("charge = %d", got)
	}
	if got := SignedPower(-400, false); got != 400 {
		t.Errorf("discharge = %d", got)
	}
}

func TestScheduleSlotUnmarshalEnable(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    bool
		wantErr bool
	}{
		{name: "wire form on", data: `{"time_num":2,"enable":1}`, want: true},
		{name: "wire form off", data: `{"time_num":2,"enable":0}`, want: false},
		{name: "boolean", data: `{"time_num":2,"enable":true}`, want: true},
		{name: "missing", data: `{"time_num":2}`, want: false},
		{name: "null", data: `{"time_num":2,"enable":null}`, want: false},
		{name: "out of range", data: `{"time_num":2,"enable":2}`, wantErr: true},
		{name: "string", data: `{"time_num":2,"enable":"yes"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var slot ScheduleSlot
			err := json.Unmarshal([]byte(tt.data), &slot)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSlot) {
					t.Fatalf("Unmarshal() error = %v, want ErrInvalidSlot", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if slot.Slot != 2 {
				t.Errorf("Slot = %d, want 2", slot.Slot)
			}
			if slot.Enabled != tt.want {
				t.Errorf("Enabled = %v, want %v", slot.Enabled, tt.want)
			}
		})
	}
}

func TestScheduleSlotFieldsDecodeBack(t *testing.T) {
	in := ScheduleSlot{Slot: 4, Start: "08:00", End: "12:30", Days: 31, Power: -600, Enabled: true}

	data, err := json.Marshal(in.Fields())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out ScheduleSlot
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out != in {
		t.Errorf("decoded %+v, want %+v", out, in)
	}
}

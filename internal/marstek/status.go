package marstek

// Status is a read-only view over an ES.GetStatus result. Each accessor
// reports false when the device omitted the field or sent a non-numeric
// value.
type Status struct {
	Result
}

// NewStatus wraps a status result.
func NewStatus(r Result) Status {
	return Status{Result: r}
}

// SOC returns the battery state of charge in percent.
func (s Status) SOC() (float64, bool) {
	return s.Float(FieldBatterySOC)
}

// Capacity returns the remaining battery capacity in Wh.
func (s Status) Capacity() (float64, bool) {
	return s.Float(FieldBatteryCapacity)
}

// PVPower returns the solar input in W.
func (s Status) PVPower() (float64, bool) {
	return s.Float(FieldPVPower)
}

// GridPower returns the on-grid port power in W.
func (s Status) GridPower() (float64, bool) {
	return s.Float(FieldGridPower)
}

// OffgridPower returns the off-grid port power in W.
func (s Status) OffgridPower() (float64, bool) {
	return s.Float(FieldOffgridPower)
}

// BatteryPower returns the battery power in W. Firmware that does not
// report bat_power gets it derived as grid power minus PV power, which is
// positive while discharging.
func (s Status) BatteryPower() (float64, bool) {
	if v, ok := s.Float(FieldBatteryPower); ok {
		return v, true
	}
	grid, ok := s.GridPower()
	if !ok {
		return 0, false
	}
	pv, ok := s.PVPower()
	if !ok {
		return 0, false
	}
	return grid - pv, true
}

// Numeric returns every field that can be read as a number. Booleans are
// mapped to 0 and 1.
func (r Result) Numeric() map[string]float64 {
	out := make(map[string]float64, len(r))
	for k, v := range r {
		switch v.(type) {
		case bool:
			if b, ok := r.Bool(k); ok {
				if b {
					out[k] = 1
				} else {
					out[k] = 0
				}
			}
		case map[string]any, []any, nil:
		default:
			if f, ok := r.Float(k); ok {
				out[k] = f
			}
		}
	}
	return out
}

package venus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/venus-bridge/internal/marstek"
)

// SetModeParams are the parameters of a set_mode command.
type SetModeParams struct {
	Mode string                `json:"mode"`
	Slot *marstek.ScheduleSlot `json:"slot,omitempty"`
}

// PassiveParams are the parameters of a set_passive command.
type PassiveParams struct {
	Power            int `json:"power"`
	CountdownSeconds int `json:"cd_time"`
}

// ApplyParams are the parameters of an apply_schedules command.
type ApplyParams struct {
	Slots []marstek.ScheduleSlot `json:"slots"`
}

// RefreshParams are the parameters of a refresh command or request.
type RefreshParams struct {
	Endpoint marstek.Endpoint `json:"endpoint"`
}

// CallParams are the parameters of a raw endpoint call.
type CallParams struct {
	Endpoint marstek.Endpoint `json:"endpoint"`
	Params   map[string]any   `json:"params,omitempty"`
}

// ErrInvalidParameters is returned when command parameters cannot be read.
var ErrInvalidParameters = errors.New("venus: invalid parameters")

// DecodeParams converts a loosely typed parameter map into one of the
// *Params structs.
func DecodeParams(params map[string]any, out any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParameters, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParameters, err)
	}
	return nil
}

// Execute runs a named command against a coordinator. It returns the value
// to report back (a device result or a BulkResult) and the acknowledgment
// status. A device reply with set_result false is reported as an
// ErrRejected error together with the reply.
func Execute(ctx context.Context, c *Coordinator, command string, params map[string]any) (any, AckStatus, error) {
	switch command {
	case CommandSetMode:
		var p SetModeParams
		if err := DecodeParams(params, &p); err != nil {
			return nil, AckFailed, err
		}
		mode, err := marstek.ParseMode(p.Mode)
		if err != nil {
			return nil, AckFailed, err
		}
		return checked(c.SetMode(ctx, mode, p.Slot))

	case CommandSetSchedule:
		var slot marstek.ScheduleSlot
		if err := DecodeParams(params, &slot); err != nil {
			return nil, AckFailed, err
		}
		return checked(c.SetSchedule(ctx, slot))

	case CommandSetPassive:
		var p PassiveParams
		if err := DecodeParams(params, &p); err != nil {
			return nil, AckFailed, err
		}
		return checked(c.SetPassiveMode(ctx, p.Power, p.CountdownSeconds))

	case CommandClearSchedules:
		return bulk(c.ClearAllSchedules(ctx), nil)

	case CommandApplySchedules:
		var p ApplyParams
		if err := DecodeParams(params, &p); err != nil {
			return nil, AckFailed, err
		}
		return bulk(c.ApplySchedules(ctx, p.Slots))

	case CommandClearWholesale:
		return checked(c.ClearSchedulesWholesale(ctx))

	case CommandRefresh:
		var p RefreshParams
		if err := DecodeParams(params, &p); err != nil {
			return nil, AckFailed, err
		}
		result, err := c.RequestRefresh(ctx, p.Endpoint)
		if err != nil {
			return nil, AckFailed, err
		}
		return result, AckCompleted, nil

	default:
		return nil, AckFailed, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

// ErrUnknownCommand is returned by Execute for unrecognised command names.
var ErrUnknownCommand = errors.New("venus: unknown command")

func checked(result marstek.Result, err error) (any, AckStatus, error) {
	if err != nil {
		return nil, AckFailed, err
	}
	if !marstek.SetAccepted(result) {
		return result, AckFailed, marstek.ErrRejected
	}
	return result, AckCompleted, nil
}

func bulk(res BulkResult, err error) (any, AckStatus, error) {
	if err != nil {
		return nil, AckFailed, err
	}
	switch {
	case res.OK():
		return res, AckCompleted, nil
	case res.Succeeded == 0:
		return res, AckFailed, ErrNoSlotWritten
	default:
		return res, AckPartial, nil
	}
}

// ErrorCode maps an error to one of the ErrCode* constants.
func ErrorCode(err error) string {
	var rpcErr *marstek.RPCError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, marstek.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.As(err, &rpcErr), errors.Is(err, ErrNoSlotWritten):
		return ErrCodeDeviceError
	case errors.Is(err, marstek.ErrRejected):
		return ErrCodeRejected
	case errors.Is(err, marstek.ErrDecode):
		return ErrCodeProtocolError
	case errors.Is(err, ErrUnknownCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, marstek.ErrInvalidSlot),
		errors.Is(err, marstek.ErrInvalidMode),
		errors.Is(err, marstek.ErrInvalidPower),
		errors.Is(err, marstek.ErrUnknownEndpoint),
		errors.Is(err, ErrInvalidSchedules),
		errors.Is(err, ErrInvalidParameters),
		errors.Is(err, ErrNotReadable):
		return ErrCodeInvalidParameters
	case errors.Is(err, ErrUnknownDevice), errors.Is(err, ErrNoScanner):
		return ErrCodeNotConfigured
	case errors.Is(err, marstek.ErrSendFailed),
		errors.Is(err, marstek.ErrReceiveFailed),
		errors.Is(err, marstek.ErrSocket),
		errors.Is(err, marstek.ErrInvalidAddress):
		return ErrCodeDeviceUnreachable
	default:
		return ErrCodeBridgeError
	}
}

// RPCCode returns the device error code carried by err, if any.
func RPCCode(err error) *int {
	if rpcErr, ok := marstek.IsRPCError(err); ok {
		code := rpcErr.Code
		return &code
	}
	return nil
}

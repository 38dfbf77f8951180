package rpc

import (
	"errors"

	"github.com/signalsfoundry/tas-simulator/internal/alignment"
	"github.com/signalsfoundry/tas-simulator/internal/executor"
	"github.com/signalsfoundry/tas-simulator/internal/instrument"
	"github.com/signalsfoundry/tas-simulator/internal/session"
	"github.com/signalsfoundry/tas-simulator/kinematics"
	"github.com/signalsfoundry/tas-simulator/model"
	"github.com/signalsfoundry/tas-simulator/scan"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrInvalidRequest marks a request body that does not decode.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNoScan is returned by CancelScan when nothing is running.
	ErrNoScan = errors.New("no scan is running")
)

// ToStatusError maps simulator errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var unknown *scan.UnknownVariableError
	switch {
	case errors.Is(err, instrument.ErrInstrumentNotFound),
		errors.Is(err, instrument.ErrCrystalNotFound),
		errors.Is(err, ErrNoScan):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, scan.ErrTokenCount),
		errors.Is(err, scan.ErrBadNumber),
		errors.Is(err, scan.ErrZeroStep),
		errors.Is(err, scan.ErrStepSign),
		errors.Is(err, scan.ErrTooManyPoints),
		errors.Is(err, scan.ErrMissingFirstSpec),
		errors.Is(err, scan.ErrNoCurrentValue),
		errors.Is(err, scan.ErrFrameMismatch),
		errors.Is(err, scan.ErrUnknownVariable),
		errors.As(err, &unknown),
		errors.Is(err, session.ErrGridTooLarge),
		errors.Is(err, instrument.ErrInvalidDefinition),
		errors.Is(err, alignment.ErrInvalidHash),
		errors.Is(err, kinematics.ErrInvalidLattice),
		errors.Is(err, model.ErrNonFinite),
		errors.Is(err, model.ErrUnknownFixedMode),
		errors.Is(err, executor.ErrInvalidJob):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, session.ErrConflict),
		errors.Is(err, session.ErrNothingToRun),
		errors.Is(err, session.ErrScanRunning),
		errors.Is(err, session.ErrNoMisalignment),
		errors.Is(err, executor.ErrBusy):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, session.ErrNoController):
		return status.Error(codes.Unavailable, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}

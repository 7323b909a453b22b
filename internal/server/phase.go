package server

// Phase is the startup gate the lifecycle has most recently passed. Phases
// advance strictly in order; a failed gate aborts startup.
type Phase int32

const (
	PhaseUnconfigured Phase = iota
	PhaseConfigValidated
	PhaseDatabaseReady
	PhaseGatewayBuilt
	PhaseBrokerAttached
	PhaseListening
)

func (p Phase) String() string {
	switch p {
	case PhaseUnconfigured:
		return "unconfigured"
	case PhaseConfigValidated:
		return "config-validated"
	case PhaseDatabaseReady:
		return "database-ready"
	case PhaseGatewayBuilt:
		return "gateway-built"
	case PhaseBrokerAttached:
		return "broker-attached"
	case PhaseListening:
		return "listening"
	default:
		return "unknown"
	}
}

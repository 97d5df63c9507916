// ABOUTME: Ordered lifecycle stages for staged startup and reverse shutdown.
// ABOUTME: Stages execute strictly in declared order; Ready is a marker only.

package lifecycle

// Stage is one ordered phase of startup. Components register to a stage and
// are initialized only after every earlier stage completed.
type Stage int

// Stages in execution order.
const (
	StageSetupLogging Stage = iota
	StageLoadConfiguration
	StageInitializeStorage
	StageStartPlatformAdapters
	StageStartEventProcessing
	StageReady // marker: nothing executes here
)

// stages lists every stage in order for iteration.
var stages = []Stage{
	StageSetupLogging,
	StageLoadConfiguration,
	StageInitializeStorage,
	StageStartPlatformAdapters,
	StageStartEventProcessing,
	StageReady,
}

func (s Stage) String() string {
	switch s {
	case StageSetupLogging:
		return "setup_logging"
	case StageLoadConfiguration:
		return "load_configuration"
	case StageInitializeStorage:
		return "initialize_storage"
	case StageStartPlatformAdapters:
		return "start_platform_adapters"
	case StageStartEventProcessing:
		return "start_event_processing"
	case StageReady:
		return "ready"
	default:
		return "unknown"
	}
}

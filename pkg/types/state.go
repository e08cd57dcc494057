package types

// TriggerState 觸發器狀態
type TriggerState string

// 定義觸發器狀態常數
const (
	StateNone          TriggerState = "NONE"           // 觸發器不存在
	StateWaiting       TriggerState = "WAITING"        // 等待觸發時間到達
	StateAcquired      TriggerState = "ACQUIRED"       // 已被某個呼叫者保留
	StateExecuting     TriggerState = "EXECUTING"      // 任務執行中
	StateBlocked       TriggerState = "BLOCKED"        // 同任務的其他觸發器正在執行（不可重入）
	StatePaused        TriggerState = "PAUSED"         // 已暫停
	StatePausedBlocked TriggerState = "PAUSED_BLOCKED" // 暫停且被阻塞
	StateComplete      TriggerState = "COMPLETE"       // 排程已用盡
	StateError         TriggerState = "ERROR"          // 錯誤，需外部介入

	// StateMisfired is a legacy state. It is never written; the misfire
	// scan still matches rows left in it by older stores.
	StateMisfired TriggerState = "MISFIRED"
)

// IsPaused reports whether s is one of the paused states.
func (s TriggerState) IsPaused() bool {
	return s == StatePaused || s == StatePausedBlocked
}

// IsTerminal reports whether s only changes through explicit intervention.
func (s TriggerState) IsTerminal() bool {
	return s == StateComplete || s == StateError
}

// CompletedExecutionInstruction 任務執行完成後對觸發器的處置指令
type CompletedExecutionInstruction int

const (
	InstructionNoop CompletedExecutionInstruction = iota
	InstructionReExecuteJob
	InstructionSetTriggerComplete
	InstructionDeleteTrigger
	InstructionSetAllJobTriggersComplete
	InstructionSetTriggerError
	InstructionSetAllJobTriggersError
)

func (i CompletedExecutionInstruction) String() string {
	switch i {
	case InstructionNoop:
		return "NOOP"
	case InstructionReExecuteJob:
		return "RE_EXECUTE_JOB"
	case InstructionSetTriggerComplete:
		return "SET_TRIGGER_COMPLETE"
	case InstructionDeleteTrigger:
		return "DELETE_TRIGGER"
	case InstructionSetAllJobTriggersComplete:
		return "SET_ALL_JOB_TRIGGERS_COMPLETE"
	case InstructionSetTriggerError:
		return "SET_TRIGGER_ERROR"
	case InstructionSetAllJobTriggersError:
		return "SET_ALL_JOB_TRIGGERS_ERROR"
	default:
		return "UNKNOWN"
	}
}

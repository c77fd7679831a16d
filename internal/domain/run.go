package domain

import "time"

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunSucceeded       RunStatus = "succeeded"
	RunFailed          RunStatus = "failed"
	RunDefinitionError RunStatus = "definition_error"
)

// Terminal reports whether a run status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunDefinitionError:
		return true
	default:
		return false
	}
}

// JobStatus is the lifecycle state of a single job execution.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
)

// Terminal reports whether a job status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobSkipped:
		return true
	default:
		return false
	}
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending: {JobRunning, JobSkipped},
	JobRunning: {JobSucceeded, JobFailed},
}

// CanTransitionJob reports whether a job status transition is allowed.
// Jobs move pending -> running -> succeeded|failed, or pending -> skipped
// when a trigger or dependency rules them out before execution.
func CanTransitionJob(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StageStatus is the aggregate outcome of one stage.
type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// JobExecution is the mutable per-run record of one job. Reason carries a
// short machine-readable cause when the job failed or was skipped.
type JobExecution struct {
	JobName    string
	Stage      string
	Status     JobStatus
	ExitCode   int
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failure reasons recorded on JobExecution.Reason.
const (
	ReasonCommandFailed    = "command_failed"
	ReasonEnvironment      = "environment_unavailable"
	ReasonTimeout          = "timeout"
	ReasonArtifactMissing  = "artifact_missing"
	ReasonArtifactFetch    = "artifact_fetch_failed"
	ReasonArtifactPublish  = "artifact_publish_failed"
	ReasonTriggerRejected  = "trigger_rejected"
	ReasonDependencyFailed = "dependency_failed"
	ReasonCanceled         = "canceled"
)

// StageResult is the realized outcome of one stage within a run, holding the
// executions of its jobs in completion-stable plan order.
type StageResult struct {
	Name       string
	Status     StageStatus
	Executions []JobExecution
}

// PipelineRun is one concrete execution of a pipeline against a reference.
// Error carries the definition error message when Status is
// definition_error; it is empty otherwise.
type PipelineRun struct {
	ID         string
	Pipeline   string
	Ref        Ref
	Status     RunStatus
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	Stages     []StageResult
}

// Execution returns the recorded execution for a job name, if present.
func (r PipelineRun) Execution(jobName string) (JobExecution, bool) {
	for _, stage := range r.Stages {
		for _, exec := range stage.Executions {
			if exec.JobName == jobName {
				return exec, true
			}
		}
	}
	return JobExecution{}, false
}

// Executions returns all job executions across stages in stage order.
func (r PipelineRun) Executions() []JobExecution {
	out := make([]JobExecution, 0)
	for _, stage := range r.Stages {
		out = append(out, stage.Executions...)
	}
	return out
}

// DeriveStageStatus folds job executions into a stage outcome. A stage fails
// when any job failed without allow_failure; it is skipped when every job was
// skipped; otherwise it succeeded. allowFailed names jobs whose failure is
// tolerated.
func DeriveStageStatus(execs []JobExecution, allowFailed map[string]bool) StageStatus {
	if len(execs) == 0 {
		return StageSkipped
	}
	skipped := 0
	for _, exec := range execs {
		switch exec.Status {
		case JobFailed:
			if !allowFailed[exec.JobName] {
				return StageFailed
			}
		case JobSkipped:
			skipped++
		}
	}
	if skipped == len(execs) {
		return StageSkipped
	}
	return StageSucceeded
}

// DeriveRunStatus folds stage results into a run outcome. Any failed stage
// fails the run; a run with no executed stage still succeeds, mirroring a
// reference no stage admits.
func DeriveRunStatus(stages []StageResult) RunStatus {
	for _, stage := range stages {
		if stage.Status == StageFailed {
			return RunFailed
		}
	}
	return RunSucceeded
}

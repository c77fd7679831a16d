package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/conveyor-ci/conveyor/internal/definition"
	"github.com/conveyor-ci/conveyor/internal/domain"
	"github.com/conveyor-ci/conveyor/internal/execution/controller"
	"github.com/conveyor-ci/conveyor/internal/execution/plan"
	"github.com/conveyor-ci/conveyor/internal/execution/runner"
	"github.com/conveyor-ci/conveyor/internal/execution/scheduler"
	"github.com/conveyor-ci/conveyor/internal/execution/validate"
	"github.com/conveyor-ci/conveyor/internal/runtimeexec"
	"github.com/conveyor-ci/conveyor/internal/store"
)

const usage = `usage: conveyor <command> [flags]

commands:
  validate   static-check a pipeline definition
  plan       print the resolved stage/job execution plan
  run        execute a pipeline for a trigger ref
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		os.Exit(cmdValidate(os.Args[2:]))
	case "plan":
		os.Exit(cmdPlan(os.Args[2:]))
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "-h", "--help", "help":
		fmt.Print(usage)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}

// varFlag collects repeatable -var NAME=VALUE flags.
type varFlag map[string]string

func (v varFlag) String() string { return fmt.Sprintf("%v", map[string]string(v)) }

func (v varFlag) Set(raw string) error {
	name, value, ok := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("expected NAME=VALUE, got %q", raw)
	}
	v[name] = value
	return nil
}

func loadDefinition(file string, vars varFlag) (domain.Pipeline, error) {
	return definition.Load(file, definition.WithVariables(vars))
}

func cmdValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	file := fs.String("f", "pipeline.yml", "pipeline definition file")
	vars := varFlag{}
	fs.Var(vars, "var", "definition variable NAME=VALUE (repeatable)")
	_ = fs.Parse(args)

	p, err := loadDefinition(*file, vars)
	if err == nil {
		err = validate.Pipeline(p)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return 2
	}
	fmt.Printf("ok: %d stages, %d jobs\n", len(p.Stages), len(p.Jobs))
	return 0
}

func cmdPlan(args []string) int {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	file := fs.String("f", "pipeline.yml", "pipeline definition file")
	vars := varFlag{}
	fs.Var(vars, "var", "definition variable NAME=VALUE (repeatable)")
	_ = fs.Parse(args)

	p, err := loadDefinition(*file, vars)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return 2
	}
	pl, err := plan.Build(p)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return 2
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tJOB\tENVIRONMENT\tDEPENDENCIES\tONLY")
	for _, stage := range pl.Stages {
		for _, job := range stage.Jobs {
			env := job.Image
			if env == "" && len(job.Tags) > 0 {
				env = "tags:" + strings.Join(job.Tags, ",")
			}
			if env == "" {
				env = "shell"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				stage.Name, job.Name, env,
				strings.Join(job.Dependencies, ","), strings.Join(job.Only, ","))
		}
	}
	_ = w.Flush()
	return 0
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	file := fs.String("f", "pipeline.yml", "pipeline definition file")
	ref := fs.String("ref", "main", "trigger ref (refs/heads/..., refs/tags/..., or a bare branch name)")
	tag := fs.Bool("tag", false, "classify a bare ref name as a tag")
	dataDir := fs.String("data", ".conveyor", "data directory for workspaces, logs, cache, and artifacts")
	parallel := fs.Int("parallel", 4, "max concurrent jobs per stage")
	hostTags := fs.String("tags", "", "comma-separated tags of the host executor")
	defaultImage := fs.String("default-image", "", "image for jobs without image or tags")
	noDocker := fs.Bool("no-docker", false, "disable container execution")
	timeout := fs.Duration("timeout", time.Hour, "default per-job timeout (0 disables)")
	quiet := fs.Bool("q", false, "suppress command output echo")
	vars := varFlag{}
	fs.Var(vars, "var", "definition variable NAME=VALUE (repeatable)")
	_ = fs.Parse(args)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := loadDefinition(*file, vars)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return 2
	}

	triggerRef := domain.ParseRef(*ref)
	if *tag && triggerRef.Kind == domain.RefBranch && !strings.HasPrefix(*ref, "refs/") {
		triggerRef = domain.TagRef(triggerRef.Name)
	}

	fsStore, err := store.NewFS(*dataDir)
	if err != nil {
		logger.Error("store init failed", "error", err)
		return 1
	}

	resolver := runtimeexec.NewResolver(runtimeexec.ResolverConfig{
		HostTags:      splitTags(*hostTags),
		DefaultImage:  *defaultImage,
		DisableDocker: *noDocker,
	})

	runnerOpts := []runner.Option{runner.WithDefaultTimeout(*timeout)}
	if !*quiet {
		runnerOpts = append(runnerOpts, runner.WithEcho(os.Stdout))
	}
	jobRunner, err := runner.New(logger, resolver, fsStore, runnerOpts...)
	if err != nil {
		logger.Error("runner init failed", "error", err)
		return 1
	}
	stageScheduler, err := scheduler.New(logger, jobRunner, scheduler.WithMaxParallel(*parallel))
	if err != nil {
		logger.Error("scheduler init failed", "error", err)
		return 1
	}
	pipelineController, err := controller.New(logger, stageScheduler, filepath.Join(fsStore.Root(), "runs"))
	if err != nil {
		logger.Error("controller init failed", "error", err)
		return 1
	}

	run := pipelineController.Run(ctx, p, triggerRef)
	printRun(run)

	switch run.Status {
	case domain.RunSucceeded:
		return 0
	case domain.RunDefinitionError:
		return 2
	default:
		return 1
	}
}

func printRun(run domain.PipelineRun) {
	fmt.Printf("run %s  ref=%s  status=%s\n", run.ID, run.Ref.String(), run.Status)
	if run.Error != "" {
		fmt.Printf("error: %s\n", run.Error)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tJOB\tSTATUS\tEXIT\tREASON\tDURATION")
	for _, stage := range run.Stages {
		for _, exec := range stage.Executions {
			duration := ""
			if exec.Status == domain.JobSucceeded || exec.Status == domain.JobFailed {
				duration = exec.FinishedAt.Sub(exec.StartedAt).Round(time.Millisecond).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				exec.Stage, exec.JobName, exec.Status, exec.ExitCode, exec.Reason, duration)
		}
	}
	_ = w.Flush()
}

func splitTags(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

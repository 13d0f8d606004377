package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/entrhq/pagepilot/pkg/agent"
	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/config"
	"github.com/entrhq/pagepilot/pkg/executor/cli"
	"github.com/entrhq/pagepilot/pkg/executor/tui"
	"github.com/entrhq/pagepilot/pkg/llm/tokenizer"
	"github.com/entrhq/pagepilot/pkg/transport"
)

// runOptions holds the flags of `pagepilot run`.
type runOptions struct {
	configPath string
	taskPath   string
	url        string
	goal       string
	context    string
	agentURL   string
	outputDir  string

	apiKey  string
	baseURL string
	model   string

	plain      bool
	approveAll bool
	headed     bool
	thinking   bool
	jsonOut    bool
}

func parseRunFlags(args []string, stderr io.Writer) (*runOptions, error) {
	opts := &runOptions{}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.configPath, "config", "", "Path to config file (default ~/.pagepilot/config.json)")
	fs.StringVar(&opts.taskPath, "task", "", "Task file (YAML: goal, url, context, approve)")
	fs.StringVar(&opts.url, "url", "", "Page to open")
	fs.StringVar(&opts.goal, "goal", "", "What the automation should achieve")
	fs.StringVar(&opts.context, "context", "", "Extra context for the model")
	fs.StringVar(&opts.agentURL, "agent", "", "Use a remote page agent (ws://host:port/tools) instead of a local browser")
	fs.StringVar(&opts.outputDir, "out", defaultOutputDir, "Directory for screenshots and downloads")
	fs.StringVar(&opts.apiKey, "api-key", "", "OpenAI API key (or set OPENAI_API_KEY env var)")
	fs.StringVar(&opts.baseURL, "base-url", "", "OpenAI API base URL (or set OPENAI_BASE_URL env var)")
	fs.StringVar(&opts.model, "model", defaultModel, "LLM model to use")
	fs.BoolVar(&opts.plain, "plain", false, "Line output instead of the full-screen view")
	fs.BoolVar(&opts.approveAll, "yes", false, "Approve every confirmation")
	fs.BoolVar(&opts.headed, "headed", false, "Show the browser window")
	fs.BoolVar(&opts.thinking, "thinking", false, "Show model reasoning")
	fs.BoolVar(&opts.jsonOut, "json", false, "Print the final run state as JSON")

	if err := fs.Parse(args); err != nil {
		return nil, errUsage
	}
	return opts, nil
}

// resolveTask merges the task file with flags; flags win.
func (o *runOptions) resolveTask() (*config.Task, error) {
	task := &config.Task{}
	if o.taskPath != "" {
		loaded, err := config.LoadTask(o.taskPath)
		if err != nil {
			return nil, err
		}
		task = loaded
	}
	if o.goal != "" {
		task.Goal = o.goal
	}
	if o.url != "" {
		task.URL = o.url
	}
	if o.context != "" {
		task.Context = o.context
	}

	if task.Goal == "" {
		return nil, fmt.Errorf("a goal is required (-goal or -task)")
	}
	if task.URL == "" && o.agentURL == "" {
		return nil, fmt.Errorf("a url is required (-url or -task) unless -agent is set")
	}
	return task, nil
}

func (o *runOptions) approver(task *config.Task) cli.Approver {
	return func(tool automation.ToolName) bool {
		return o.approveAll || task.AutoApproves(string(tool))
	}
}

func runCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseRunFlags(args, stderr)
	if err != nil {
		return err
	}
	if err := config.Initialize(opts.configPath); err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}
	task, err := opts.resolveTask()
	if err != nil {
		return err
	}

	provider, err := config.BuildProvider(opts.model, opts.baseURL, opts.apiKey, defaultModel)
	if err != nil {
		return err
	}
	tok, err := tokenizer.ForModel(provider.GetModel())
	if err != nil {
		mainLog.Warnf("no tokenizer for %s, estimating: %v", provider.GetModel(), err)
	}

	store, closeStore, err := openHistory()
	if err != nil {
		return err
	}
	defer closeStore()

	engine, err := buildPolicy(ctx)
	if err != nil {
		return err
	}

	maxSteps, toolTimeout, persistInterval, confirmTimeout := config.GetAutomation().Limits()

	bus := transport.NewBus(transport.WithCallTimeout(toolTimeout))
	defer bus.Close()

	var dispatcher transport.Dispatcher = bus
	if opts.agentURL != "" {
		client, err := transport.Dial(ctx, opts.agentURL, toolTimeout)
		if err != nil {
			return err
		}
		defer client.Close()
		dispatcher = client
	} else {
		live, err := openPage(ctx, pageOptions{url: task.URL, outputDir: opts.outputDir, headed: opts.headed})
		if err != nil {
			return err
		}
		defer live.Close()
		bus.Register(defaultTabID, transport.HandlerFor(live.executor))
	}

	orch := agent.New(provider, dispatcher,
		agent.WithMaxSteps(maxSteps),
		agent.WithToolTimeout(toolTimeout),
		agent.WithPersistInterval(persistInterval),
		agent.WithConfirmationTimeout(confirmTimeout),
		agent.WithPolicy(engine),
		agent.WithHistory(store),
		agent.WithPublisher(bus),
		agent.WithTokenizer(tok),
		agent.WithNativeTools(config.GetLLM().UseNativeTools()),
	)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			mainLog.Warnf("orchestrator shutdown: %v", err)
		}
	}()

	run := cli.Run{TabID: defaultTabID, Goal: task.Goal, Context: task.Context}
	var final automation.RunState
	if opts.plain {
		final, err = cli.NewExecutor(orch,
			cli.WithWriter(stdout),
			cli.WithApprover(opts.approver(task)),
			cli.WithShowThinking(opts.thinking),
		).Run(ctx, run)
	} else {
		final, err = tui.NewExecutor(orch,
			tui.WithApprover(opts.approver(task)),
			tui.WithShowThinking(opts.thinking),
		).Run(ctx, run)
		if err == nil {
			fmt.Fprintln(stdout, cli.FormatOutcome(final))
		}
	}
	if err != nil {
		return err
	}

	if opts.jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(final); err != nil {
			return err
		}
	}
	return outcomeError(final)
}

// outcomeError turns a run that did not finish with an answer into a
// non-zero exit.
func outcomeError(run automation.RunState) error {
	switch run.Status {
	case automation.RunDone:
		return nil
	case automation.RunFailed:
		return fmt.Errorf("run %s failed: %s", run.RunID, run.Error)
	default:
		return fmt.Errorf("run %s ended %s", run.RunID, run.Status)
	}
}

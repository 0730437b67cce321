package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mohans/surveyx/engine"
	"github.com/mohans/surveyx/task"
)

// apiClient calls a running service.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, v any) error {
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func submitCmd(g *globalFlags) *cobra.Command {
	var p task.Params
	var wait bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "submit [topic]",
		Short: "Submit a survey task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				p.Topic = args[0]
			}
			if err := p.Validate(); err != nil {
				return err
			}
			c := newAPIClient(g.server)
			data, err := c.do(cmd.Context(), http.MethodPost, "/api/task/submit", p)
			if err != nil {
				return err
			}
			var sub engine.Submission
			if err := json.Unmarshal(data, &sub); err != nil {
				return err
			}
			fmt.Printf("task_id:       %s\nunique_marker: %s\noutput:        %s\n", sub.TaskID, sub.UniqueMarker, sub.OutputLocator)
			if !wait {
				return nil
			}
			view, err := waitTerminal(cmd.Context(), c, sub.TaskID, interval)
			if err != nil {
				return err
			}
			printTask(view)
			if view.Status != task.StatusCompleted {
				return fmt.Errorf("task ended %s", view.Status)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.Description, "description", "", "Extra guidance for query generation")
	f.StringVar(&p.InputFile, "input-file", "", "JSONL file of documents to survey instead of searching")
	f.StringVar(&p.OutputFile, "output-file", "", "Requested output file name")
	f.StringVar(&p.SearchModel, "model", "", "Model used for query generation")
	f.IntVar(&p.TopN, "top-n", 0, "Documents kept per topic")
	f.IntVar(&p.BlockCount, "block-count", 0, "Number of survey sections")
	f.IntVar(&p.DataNum, "data-num", 0, "Number of input documents to use")
	f.StringVar(&p.UserID, "user", "", "Submitting user id")
	f.BoolVar(&wait, "wait", false, "Wait for the task to finish")
	f.DurationVar(&interval, "interval", 5*time.Second, "Poll interval with --wait")
	return cmd
}

func waitTerminal(ctx context.Context, c *apiClient, id string, interval time.Duration) (engine.TaskView, error) {
	t := time.NewTicker(interval)
	defer t.Stop()
	last := task.Status("")
	for {
		var view engine.TaskView
		if err := c.getJSON(ctx, "/api/task/"+url.PathEscape(id), &view); err != nil {
			return view, err
		}
		if view.Status != last {
			fmt.Fprintf(os.Stderr, "%s  %s\n", time.Now().Format(time.TimeOnly), view.Status)
			last = view.Status
		}
		if view.Status.IsTerminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-t.C:
		}
	}
}

func statusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st engine.TaskStatus
			if err := newAPIClient(g.server).getJSON(cmd.Context(), "/api/task/"+url.PathEscape(args[0])+"/pipeline_status", &st); err != nil {
				return err
			}
			printTask(st.Task)
			if st.InPipeline {
				fmt.Printf("stage:      %s\n", st.Stage)
			}
			return nil
		},
	}
}

func printTask(v engine.TaskView) {
	fmt.Printf("task_id:    %s\n", v.ID)
	fmt.Printf("status:     %s\n", v.Status)
	fmt.Printf("identifier: %s\n", v.OriginalIdentifier)
	fmt.Printf("marker:     %s\n", v.UniqueMarker)
	fmt.Printf("created:    %s\n", humanize.Time(v.CreatedAt))
	if v.EndTime != nil {
		fmt.Printf("finished:   %s\n", humanize.Time(*v.EndTime))
	}
	if v.ExecutionSeconds != nil {
		fmt.Printf("took:       %s\n", time.Duration(*v.ExecutionSeconds*float64(time.Second)).Round(time.Second))
	}
	if v.Error != "" {
		fmt.Printf("error:      %s\n", v.Error)
	}
}

func tasksCmd(g *globalFlags) *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var out struct {
				Tasks []engine.TaskView `json:"tasks"`
				Count int               `json:"count"`
			}
			if err := newAPIClient(g.server).getJSON(cmd.Context(), "/api/tasks?"+q.Encode(), &out); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK ID\tSTATUS\tIDENTIFIER\tCREATED")
			for _, t := range out.Tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Status, t.OriginalIdentifier, humanize.Time(t.CreatedAt))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("%s task(s)\n", humanize.Comma(int64(out.Count)))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only tasks in this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum tasks to show (0 = all)")
	return cmd
}

func deleteCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and stop monitoring it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newAPIClient(g.server).do(cmd.Context(), http.MethodDelete, "/api/task/"+url.PathEscape(args[0]), nil); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func outputCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "output <task-id>",
		Short: "Print a completed task's result record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newAPIClient(g.server).do(cmd.Context(), http.MethodGet, "/api/output/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if json.Indent(&buf, data, "", "  ") != nil {
				buf.Reset()
				buf.Write(data)
			}
			buf.WriteByte('\n')
			_, err = buf.WriteTo(os.Stdout)
			return err
		},
	}
}

func pipelineCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pipeline",
		Short: "Show global pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var gs engine.GlobalStatus
			if err := newAPIClient(g.server).getJSON(cmd.Context(), "/api/global_pipeline_status", &gs); err != nil {
				return err
			}
			fmt.Printf("running: %t  active: %s  total: %s  monitors: %d\n",
				gs.Running, humanize.Comma(int64(gs.ActiveTasks)), humanize.Comma(int64(gs.TotalTasks)), gs.Monitors)
			if !gs.Initialized {
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tQUEUE\tBUSY\tPROCESSED\tFAILED")
			for _, s := range gs.Stages {
				fmt.Fprintf(w, "%s\t%d/%d\t%d/%d\t%s\t%s\n", s.Name, s.QueueSize, s.QueueCapacity, s.Busy, s.Workers,
					humanize.Comma(s.Processed), humanize.Comma(s.Failed))
			}
			return w.Flush()
		},
	}
}

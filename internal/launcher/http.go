package launcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// HTTPLauncher posts the run to a remote agent that answers with an NDJSON
// stream of events:
//
//	{"type":"delta","text":"..."}
//	{"type":"done","exit_code":0}
//	{"type":"error","message":"..."}
//
// Lines that are not JSON are copied to the transcript as-is. A stream that
// ends without a done event counts as exit code 1.
type HTTPLauncher struct {
	URL    string
	Token  string
	Client *http.Client
}

const maxStreamLine = 4 << 20

func (l *HTTPLauncher) Launch(ctx context.Context, spec Spec, onExit func(Exit)) (Handle, error) {
	if strings.TrimSpace(l.URL) == "" {
		return nil, errors.New("http launcher: url is required")
	}
	logFile, err := openLog(spec.LogPath)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]string{
		"task_id":    spec.TaskID,
		"agent_id":   spec.AgentID,
		"session_id": spec.SessionID,
		"prompt":     spec.Prompt,
		"workdir":    spec.WorkDir,
	})
	if err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("encode run request: %w", err)
	}

	// The run outlives the caller's request context.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(runCtx, http.MethodPost, l.URL, bytes.NewReader(body))
	if err != nil {
		cancel()
		_ = logFile.Close()
		return nil, fmt.Errorf("build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	if l.Token != "" {
		req.Header.Set("Authorization", "Bearer "+l.Token)
	}

	r := newRun(onExit)
	r.setKill(cancel)
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	go func() {
		defer cancel()
		exit := l.stream(client, req, &activityWriter{w: logFile, r: r})
		_ = logFile.Close()
		r.finish(exit)
	}()
	go r.watch(spec.IdleTimeout, spec.HardTimeout)
	return r, nil
}

func (l *HTTPLauncher) stream(client *http.Client, req *http.Request, out io.Writer) Exit {
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(out, "agent request failed: %v\n", err)
		return Exit{Code: 1, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fmt.Fprintf(out, "agent returned HTTP %d: %s\n", resp.StatusCode, strings.TrimSpace(string(snippet)))
		return Exit{Code: 1, Err: fmt.Errorf("agent returned HTTP %d", resp.StatusCode)}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), maxStreamLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !gjson.Valid(line) {
			fmt.Fprintln(out, line)
			continue
		}
		ev := gjson.Parse(line)
		switch ev.Get("type").String() {
		case "delta":
			_, _ = io.WriteString(out, ev.Get("text").String())
		case "done":
			code := 0
			if c := ev.Get("exit_code"); c.Exists() {
				code = int(c.Int())
			}
			if summary := ev.Get("summary").String(); summary != "" {
				fmt.Fprintln(out, summary)
			}
			return Exit{Code: code}
		case "error":
			msg := ev.Get("message").String()
			fmt.Fprintf(out, "\nagent error: %s\n", msg)
			return Exit{Code: 1, Err: errors.New(msg)}
		default:
			// Unknown events still count as activity.
			_, _ = out.Write(nil)
		}
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintf(out, "\nagent stream interrupted: %v\n", err)
		return Exit{Code: 1, Err: err}
	}
	fmt.Fprintln(out, "\nagent stream closed without a done event")
	return Exit{Code: 1}
}

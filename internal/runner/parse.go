package runner

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/fathomhq/finchat/internal/model"
)

// rawEvent is the generic shape of one NDJSON line from the agent CLI
// (spec §4.D "Stream parsing").
type rawEvent struct {
	Type string          `json:"type"`
	Part json.RawMessage `json:"part"`
}

type toolPart struct {
	Tool   string          `json:"tool"`
	State  toolState       `json:"state"`
	Text   string          `json:"text"`
	Result json.RawMessage `json:"result"`
}

type toolState struct {
	Input  json.RawMessage `json:"input"`
	Status string          `json:"status"`
	Output string          `json:"output"`
}

var tracePattern = regexp.MustCompile(`(?s)<tool_trace>(.*?)</tool_trace>`)

// handleLine dispatches a single non-empty NDJSON line by type (spec
// §4.D). JSON decode failures are treated as status text.
func (r *Runner) handleLine(jobID string, state *runState, line []byte) {
	var ev rawEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		text := string(line)
		r.publish(jobID, model.EventStatus, map[string]any{"message": text})
		if len(text) > statusTextMinLen {
			state.finalResult = map[string]any{"response": text}
		}
		return
	}

	switch ev.Type {
	case "agent_switch":
		var part struct {
			Agent string `json:"agent"`
		}
		_ = json.Unmarshal(ev.Part, &part)
		r.publish(jobID, model.EventAgentSwitch, map[string]any{"agent": part.Agent})
		state.addAgent(part.Agent)
		state.currentAgent = part.Agent

	case "tool_use":
		r.handleToolUse(jobID, state, ev.Part)

	case "tool_call", "tool_result":
		r.publishAndRecordTool(jobID, state, ev.Type, ev.Part)

	case "text", "message", "result":
		text := extractText(ev.Part)
		if text != "" {
			state.finalResult = map[string]any{"response": text}
			r.ingestToolTraces(jobID, state, text)
		}

	case "status", "error", "step_start":
		var extra map[string]any
		_ = json.Unmarshal(ev.Part, &extra)
		r.publish(jobID, model.EventType(ev.Type), extra)

	default:
		// Unknown producer type: forward verbatim so the SSE layer still
		// sees it (spec §9 "dynamic event records").
		var extra map[string]any
		_ = json.Unmarshal(ev.Part, &extra)
		r.publish(jobID, model.EventType(ev.Type), extra)
	}
}

// handleToolUse implements the tool_use branch of spec §4.D: delegated
// sub-agent detection (tool == "task"), AQL extraction, and
// classification of the tool's server as arangodb or mcp.
func (r *Runner) handleToolUse(jobID string, state *runState, partRaw json.RawMessage) {
	var part toolPart
	if err := json.Unmarshal(partRaw, &part); err != nil {
		return
	}

	if part.Tool == "task" {
		var input struct {
			SubagentType string `json:"subagent_type"`
		}
		_ = json.Unmarshal(part.State.Input, &input)
		r.publish(jobID, model.EventAgentSwitch, map[string]any{"agent": input.SubagentType})
		state.addAgent(input.SubagentType)
		r.ingestToolTraces(jobID, state, part.State.Output)
		return
	}

	server := "mcp"
	if strings.Contains(strings.ToLower(part.Tool), "arango") {
		server = "arangodb"
	}
	call := model.ToolCall{Tool: part.Tool, Server: server, Agent: state.currentAgent}
	if len(part.State.Input) > 0 {
		var input any
		_ = json.Unmarshal(part.State.Input, &input)
		call.Args = input
	}
	r.publish(jobID, model.EventToolCall, map[string]any{"tool": part.Tool, "server": server, "args": call.Args})
	state.toolsCalled = append(state.toolsCalled, call)

	if isAQLTool(part.Tool) {
		bindVars, query := extractAQL(part.State.Input)
		r.publish(jobID, model.EventAQLQuery, map[string]any{"query": query, "bind_vars": bindVars})
	}

	if part.State.Status == "completed" {
		r.publish(jobID, model.EventToolResult, map[string]any{"tool": part.Tool, "output": part.State.Output})
	}
}

// publishAndRecordTool handles directly-typed tool_call/tool_result
// events. A tool_call is recorded and, for an AQL tool, also publishes
// aql_query as the tool_use branch does; a tool_result whose result
// payload contains metric_name also publishes metric_found, a check the
// tool_use branch does not make.
func (r *Runner) publishAndRecordTool(jobID string, state *runState, evType string, partRaw json.RawMessage) {
	var part toolPart
	_ = json.Unmarshal(partRaw, &part)

	server := "mcp"
	if strings.Contains(strings.ToLower(part.Tool), "arango") {
		server = "arangodb"
	}

	var extra map[string]any
	_ = json.Unmarshal(partRaw, &extra)
	r.publish(jobID, model.EventType(evType), extra)

	switch evType {
	case "tool_call":
		call := model.ToolCall{Tool: part.Tool, Server: server, Agent: state.currentAgent}
		if len(part.State.Input) > 0 {
			var input any
			_ = json.Unmarshal(part.State.Input, &input)
			call.Args = input
		}
		state.toolsCalled = append(state.toolsCalled, call)

		if isAQLTool(part.Tool) {
			bindVars, query := extractAQL(part.State.Input)
			r.publish(jobID, model.EventAQLQuery, map[string]any{"query": query, "bind_vars": bindVars})
		}

	case "tool_result":
		var result map[string]any
		if len(part.Result) > 0 && json.Unmarshal(part.Result, &result) == nil {
			if _, ok := result["metric_name"]; ok {
				r.publish(jobID, model.EventMetricFound, result)
			}
		}
	}
}

// isAQLTool reports whether tool is the AQL-execution tool, matching
// the original's "execute-aql" in tool_name or "aql" in tool_name
// check rather than any tool whose name merely contains "query".
func isAQLTool(tool string) bool {
	return strings.Contains(strings.ToLower(tool), "aql")
}

func extractAQL(inputRaw json.RawMessage) (bindVars any, query string) {
	var input struct {
		Query    string `json:"query"`
		BindVars any    `json:"bind_vars"`
	}
	_ = json.Unmarshal(inputRaw, &input)
	return input.BindVars, input.Query
}

// extractText pulls the textual content of a text/message/result event,
// trying keys in the order spec §4.D specifies.
func extractText(partRaw json.RawMessage) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(partRaw, &fields); err != nil {
		return ""
	}
	for _, key := range []string{"response", "text", "content", "message", "result", "data"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

// ingestToolTraces scans text for embedded <tool_trace>...</tool_trace>
// JSON arrays and folds their tool records into state, deduplicating by
// the exact raw trace string (spec §4.D "Tool-trace extraction").
func (r *Runner) ingestToolTraces(jobID string, state *runState, text string) {
	for _, match := range tracePattern.FindAllStringSubmatch(text, -1) {
		raw := match[1]
		if _, dup := state.seenTraces[raw]; dup {
			continue
		}
		state.seenTraces[raw] = struct{}{}

		var records []struct {
			Tool   string `json:"tool"`
			Agent  string `json:"agent"`
			Args   any    `json:"args"`
		}
		if err := json.Unmarshal([]byte(raw), &records); err != nil {
			continue
		}
		for _, rec := range records {
			server := "mcp"
			if strings.Contains(strings.ToLower(rec.Tool), "arango") {
				server = "arangodb"
			}
			state.toolsCalled = append(state.toolsCalled, model.ToolCall{
				Tool: rec.Tool, Server: server, Args: rec.Args, Agent: rec.Agent,
			})
		}
	}
}

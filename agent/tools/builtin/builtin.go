// Package builtin provides the coaching tool set bound to every session:
// phase control, time checks, alerts, reminders, and the conversational
// tools that suspend the loop to talk to the user.
package builtin

import (
	"context"
	"strings"

	"github.com/gtdcoach/coach/agent/interrupt"
	"github.com/gtdcoach/coach/agent/phase"
	"github.com/gtdcoach/coach/agent/state"
	"github.com/gtdcoach/coach/agent/tools"
	"github.com/gtdcoach/coach/memory"
)

// Deps carries the session singletons the builtin tools close over.
type Deps struct {
	Manager    *state.Manager
	Scheduler  *phase.Scheduler
	Interrupts *interrupt.Controller
	// Memory may be nil when the sink is disabled for the session.
	Memory *memory.BatchingMemory
}

// Register installs every builtin tool into the registry.
func Register(reg *tools.Registry, deps Deps) error {
	for _, t := range []tools.Tool{
		transitionPhase(deps),
		checkTime(deps),
		sendAlert(deps),
		setReminder(deps),
		checkIn(deps),
		captureItem(deps),
		reviewProject(deps),
		setPriority(deps),
		clarifyItem(deps),
		saveSummary(deps),
	} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func transitionPhase(deps Deps) tools.Tool {
	return tools.Tool{
		Spec: tools.Spec{
			Name:        "transition_phase",
			Description: "Move the session to the next phase. Phases must be traversed in order.",
			InputSchema: objectSchema(map[string]any{
				"phase": map[string]any{"type": "string", "description": "Name of the next phase."},
			}, "phase"),
		},
		Handler: func(ctx context.Context, call Call) tools.Outcome {
			next, _ := call.Args["phase"].(string)
			res, err := deps.Scheduler.Transition(ctx, next)
			if err != nil {
				return tools.NewError("invalid_phase", err.Error())
			}
			if deps.Memory != nil {
				deps.Memory.Add(memory.Episode{
					Type:  memory.TypePhaseTransition,
					Phase: res.To,
					Data: map[string]any{
						"from":             res.From,
						"to":               res.To,
						"duration_minutes": res.FromDurationMin,
					},
				})
			}
			return tools.NewValue(res)
		},
	}
}

func checkTime(deps Deps) tools.Tool {
	return tools.Tool{
		Spec: tools.Spec{
			Name:        "check_time",
			Description: "Check how much time remains in the current phase.",
			InputSchema: objectSchema(nil),
		},
		Handler: func(ctx context.Context, _ Call) tools.Outcome {
			return tools.NewValue(deps.Scheduler.CheckTime(ctx))
		},
	}
}

func sendAlert(deps Deps) tools.Tool {
	return tools.Tool{
		Spec: tools.Spec{
			Name:        "send_alert",
			Description: "Emit an out-of-band notification to the user.",
			InputSchema: objectSchema(map[string]any{
				"kind": map[string]any{
					"type": "string",
					"enum": []any{"warning", "urgent", "critical", "phase_change", "completion"},
				},
				"message": map[string]any{"type": "string"},
			}, "kind"),
		},
		Handler: func(ctx context.Context, call Call) tools.Outcome {
			kind, _ := call.Args["kind"].(string)
			message, _ := call.Args["message"].(string)
			deps.Scheduler.Alert(ctx, phase.AlertKind(kind), message)
			return tools.NewValue(map[string]any{"sent": true, "kind": kind})
		},
	}
}

func setReminder(deps Deps) tools.Tool {
	return tools.Tool{
		Spec: tools.Spec{
			Name:        "set_reminder",
			Description: "Schedule a reminder to surface after some minutes.",
			InputSchema: objectSchema(map[string]any{
				"minutes": map[string]any{"type": "number", "minimum": 0},
				"message": map[string]any{"type": "string", "minLength": 1},
			}, "minutes", "message"),
		},
		Handler: func(_ context.Context, call Call) tools.Outcome {
			minutes, _ := call.Args["minutes"].(float64)
			message, _ := call.Args["message"].(string)
			deps.Scheduler.SetReminder(minutes, message)
			return tools.NewValue(map[string]any{"scheduled": true})
		},
	}
}

// checkIn asks the user one question and returns the reply verbatim.
func checkIn(deps Deps) tools.Tool {
	return tools.Tool{
		Spec: tools.Spec{
			Name:        "check_in",
			Description: "Ask the user one question and wait for their reply.",
			InputSchema: objectSchema(map[string]any{
				"question": map[string]any{"type": "string", "minLength": 1},
			}, "question"),
			MaySuspend: true,
		},
		Handler: func(ctx context.Context, call Call) tools.Outcome {
			question, _ := call.Args["question"].(string)
			reply, suspended := deps.Interrupts.Interrupt(ctx, question)
			if suspended != nil {
				return suspended
			}
			recordInteraction(deps, reply)
			return tools.NewValue(map[string]any{"reply": reply})
		},
	}
}

// captureItem prompts for mind sweep items and records each line as one
// capture. Prior related memories ride along once enough captures exist.
func captureItem(deps Deps) tools.Tool {
	return tools.Tool{
		Spec: tools.Spec{
			Name:        "capture_item",
			Description: "Ask the user what is on their mind and capture every item they list.",
			InputSchema: objectSchema(map[string]any{
				"prompt": map[string]any{"type": "string", "minLength": 1},
			}, "prompt"),
			MaySuspend: true,
		},
		Handler: func(ctx context.Context, call Call) tools.Outcome {
			prompt, _ := call.Args["prompt"].(string)
			reply, suspended := deps.Interrupts.Interrupt(ctx, prompt)
			if suspended != nil {
				return suspended
			}

			now := deps.Manager.Now()
			items := splitItems(reply)
			var phaseName string
			deps.Manager.Update(func(st *state.State) {
				phaseName = st.CurrentPhase
				for _, item := range items {
					st.Captures = append(st.Captures, state.Capture{
						Text: item, Phase: st.CurrentPhase, CapturedAt: now,
					})
				}
			})

			result := map[string]any{"captured": items, "count": len(items)}
			if deps.Memory != nil {
				for _, item := range items {
					deps.Memory.Add(memory.Episode{
						Type:  memory.TypeMindsweep,
						Phase: phaseName,
						Data:  map[string]any{"content": item},
					})
				}
				captures := len(deps.Manager.Snapshot().Captures)
				if prior := deps.Memory.PriorContext(ctx, reply, captures); len(prior) > 0 {
					facts := make([]string, 0, len(prior))
					for _, h := range prior {
						facts = append(facts, h.Fact)
					}
					result["prior_context"] = facts
				}
			}
			return tools.NewValue(result)
		},
	}
}

// reviewProject asks about one project and records the decided next action.
func reviewProject(deps Deps) tools.Tool {
	return tools.Tool{
		Spec: tools.Spec{
			Name:        "review_project",
			Description: "Ask the user about a project's status and next action.",
			InputSchema: objectSchema(map[string]any{
				"project":  map[string]any{"type": "string", "minLength": 1},
				"question": map[string]any{"type": "string", "minLength": 1},
			}, "project", "question"),
			MaySuspend: true,
		},
		Handler: func(ctx context.Context, call Call) tools.Outcome {
			project, _ := call.Args["project"].(string)
			question, _ := call.Args["question"].(string)
			reply, suspended := deps.Interrupts.Interrupt(ctx, question)
			if suspended != nil {
				return suspended
			}
			deps.Manager.Update(func(st *state.State) {
				st.Projects = append(st.Projects, state.Project{
					Name: project, Status: "reviewed", NextAction: strings.TrimSpace(reply),
				})
			})
			return tools.NewValue(map[string]any{"project": project, "next_action": reply})
		},
	}
}

// setPriority asks for the week's top priorities and records them ranked.
func setPriority(deps Deps) tools.Tool {
	return tools.Tool{
		Spec: tools.Spec{
			Name:        "set_priority",
			Description: "Ask the user for their top priorities and rank them A, B, C.",
			InputSchema: objectSchema(map[string]any{
				"question": map[string]any{"type": "string", "minLength": 1},
			}, "question"),
			MaySuspend: true,
		},
		Handler: func(ctx context.Context, call Call) tools.Outcome {
			question, _ := call.Args["question"].(string)
			reply, suspended := deps.Interrupts.Interrupt(ctx, question)
			if suspended != nil {
				return suspended
			}

			letters := []string{"A", "B", "C"}
			items := splitItems(reply)
			var priorities []state.Priority
			for i, item := range items {
				letter := "C"
				if i < len(letters) {
					letter = letters[i]
				}
				priorities = append(priorities, state.Priority{Rank: i + 1, Letter: letter, Title: item})
			}
			deps.Manager.Update(func(st *state.State) {
				st.WeeklyPriorities = append(st.WeeklyPriorities, priorities...)
			})
			if deps.Memory != nil {
				deps.Memory.Add(memory.Episode{
					Type: memory.TypePriorities,
					Data: map[string]any{"content": reply, "count": len(priorities)},
				})
			}
			return tools.NewValue(map[string]any{"priorities": items, "count": len(items)})
		},
	}
}

// clarifyItem processes one inbox item during daily sessions.
func clarifyItem(deps Deps) tools.Tool {
	return tools.Tool{
		Spec: tools.Spec{
			Name:        "clarify_item",
			Description: "Ask the user to decide one inbox item: actionable, deferred, or dropped.",
			InputSchema: objectSchema(map[string]any{
				"item":     map[string]any{"type": "string", "minLength": 1},
				"question": map[string]any{"type": "string", "minLength": 1},
			}, "item", "question"),
			MaySuspend: true,
		},
		Handler: func(ctx context.Context, call Call) tools.Outcome {
			item, _ := call.Args["item"].(string)
			question, _ := call.Args["question"].(string)
			reply, suspended := deps.Interrupts.Interrupt(ctx, question)
			if suspended != nil {
				return suspended
			}
			now := deps.Manager.Now()
			deps.Manager.Update(func(st *state.State) {
				st.ProcessedItems = append(st.ProcessedItems, state.ProcessedItem{
					Text: item, Decision: strings.TrimSpace(reply), At: now,
				})
			})
			return tools.NewValue(map[string]any{"item": item, "decision": reply})
		},
	}
}

// saveSummary posts the session summary episode; it is critical, so it ends
// up either acknowledged by the sink or in the local backup.
func saveSummary(deps Deps) tools.Tool {
	return tools.Tool{
		Spec: tools.Spec{
			Name:        "save_summary",
			Description: "Save the session summary to long-term memory.",
			InputSchema: objectSchema(map[string]any{
				"summary": map[string]any{"type": "string", "minLength": 1},
			}, "summary"),
		},
		Handler: func(_ context.Context, call Call) tools.Outcome {
			summary, _ := call.Args["summary"].(string)
			deps.Manager.Update(func(s *state.State) {
				s.MessageSummary = summary
			})
			st := deps.Manager.Snapshot()
			if deps.Memory != nil {
				deps.Memory.Add(memory.Episode{
					Type:     memory.TypeSessionSummary,
					Phase:    st.CurrentPhase,
					Critical: true,
					Data: map[string]any{
						"content":    summary,
						"captures":   len(st.Captures),
						"priorities": len(st.WeeklyPriorities),
					},
				})
			}
			return tools.NewValue(map[string]any{"saved": true})
		},
	}
}

func recordInteraction(deps Deps, reply string) {
	if deps.Memory == nil {
		return
	}
	st := deps.Manager.Snapshot()
	deps.Memory.Add(memory.Episode{
		Type:  memory.TypeInteraction,
		Phase: st.CurrentPhase,
		Data:  map[string]any{"content": reply},
	})
}

// splitItems breaks a free-form reply into items on newlines, commas, and
// numbered lists.
func splitItems(reply string) []string {
	fields := strings.FieldsFunc(reply, func(r rune) bool {
		return r == '\n' || r == ','
	})
	var items []string
	for _, f := range fields {
		item := strings.TrimSpace(f)
		item = strings.TrimLeft(item, "0123456789.)- ")
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

// Call aliases the registry call type for readability.
type Call = tools.Call

// objectSchema builds a JSON schema for an object with the given properties
// and required names.
func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object"}
	if len(props) > 0 {
		schema["properties"] = props
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}

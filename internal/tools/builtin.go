package tools

import (
	"autonomy/internal/types"
)

func def(name, description string, required []string, props map[string]types.Property) types.ToolDefinition {
	return types.ToolDefinition{
		Name:        name,
		Description: description,
		Schema: types.ToolSchema{
			Required:   required,
			Properties: props,
		},
	}
}

func strProp(desc string) types.Property {
	return types.Property{Type: "string", Description: desc}
}

func enumProp(vals ...string) types.Property {
	enum := make([]any, len(vals))
	for i, v := range vals {
		enum[i] = v
	}
	return types.Property{Type: "string", Enum: enum}
}

// NewDefaultRegistry builds the full tool inventory. Meta tools are
// registered only when the self-improvement phases are enabled.
func NewDefaultRegistry(enableMeta bool) *Registry {
	r := NewRegistry()

	// file ops
	r.MustRegister(&Tool{
		Category: CategoryFile,
		Handler:  handleCreateFile,
		Definition: def("create_file", "Create or overwrite a source file with the given content.",
			[]string{"filepath", "content"}, map[string]types.Property{
				"filepath": strProp("Path relative to the project root."),
				"content":  strProp("Complete file content. Use standard JSON escaping only."),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryFile,
		Handler:  handleModifyFile,
		Definition: def("modify_file", "Replace the content of an existing file.",
			[]string{"filepath", "content"}, map[string]types.Property{
				"filepath": strProp("Path relative to the project root."),
				"content":  strProp("New complete file content."),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryFile,
		Handler:  handleAppendToFile,
		Definition: def("append_to_file", "Append content to a file, creating it if missing.",
			[]string{"filepath", "content"}, map[string]types.Property{
				"filepath": strProp("Path relative to the project root."),
				"content":  strProp("Content to append."),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryFile,
		Handler:  handleDeleteFile,
		Definition: def("delete_file", "Delete a file from the project.",
			[]string{"filepath"}, map[string]types.Property{
				"filepath": strProp("Path relative to the project root."),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryFile,
		Handler:  handleReadFile,
		Definition: def("read_file", "Read a file's content.",
			[]string{"filepath"}, map[string]types.Property{
				"filepath": strProp("Path relative to the project root."),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryFile,
		Handler:  handleListFiles,
		Definition: def("list_files", "List project files matching a glob pattern.",
			nil, map[string]types.Property{
				"pattern": strProp("Doublestar glob, e.g. **/*.py. Defaults to all files."),
			}),
	})

	// task ops
	r.MustRegister(&Tool{
		Category: CategoryTask,
		Handler:  handleCreateTask,
		Definition: def("create_task", "Create a work task. Identical proposals are deduplicated.",
			[]string{"description"}, map[string]types.Property{
				"description":  strProp("What needs to be done."),
				"filepath":     strProp("File the task concerns, if any."),
				"objective_id": strProp("Objective this task belongs to."),
				"priority":     enumProp("critical", "high", "medium", "low", "new_task"),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryTask,
		Handler:  handleUpdateTaskStatus,
		Definition: def("update_task_status", "Advance a task to a new status.",
			[]string{"task_id", "status"}, map[string]types.Property{
				"task_id": strProp("Task id."),
				"status":  enumProp("new", "in_progress", "qa_pending", "needs_fixes", "completed", "failed", "blocked"),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryTask,
		Handler:  handleCompleteTask,
		Definition: def("complete_task", "Mark a task completed.",
			[]string{"task_id"}, map[string]types.Property{
				"task_id": strProp("Task id."),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryTask,
		Handler:  handleCreateObjective,
		Definition: def("create_objective", "Create a new objective grouping future tasks.",
			[]string{"title"}, map[string]types.Property{
				"title": strProp("Objective title."),
				"level": enumProp("primary", "secondary", "tertiary"),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryTask,
		Handler:  handleCreateRefactoringTask,
		Definition: def("create_refactoring_task", "Create a task on the refactoring backlog.",
			[]string{"description"}, map[string]types.Property{
				"description": strProp("What to refactor and why."),
				"filepath":    strProp("File concerned."),
				"priority":    enumProp("critical", "high", "medium", "low"),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryTask,
		Handler:  handleUpdateRefactoringTask,
		Definition: def("update_refactoring_task", "Advance a refactoring task's status.",
			[]string{"task_id", "status"}, map[string]types.Property{
				"task_id": strProp("Refactoring task id."),
				"status":  strProp("New status."),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryTask,
		Handler:  handleListRefactoringTasks,
		Definition: def("list_refactoring_tasks", "List the refactoring backlog.",
			nil, nil),
	})
	r.MustRegister(&Tool{
		Category: CategoryTask,
		Handler:  handleGetRefactoringProgress,
		Definition: def("get_refactoring_progress", "Summarize refactoring backlog completion.",
			nil, nil),
	})

	// analysis
	r.MustRegister(&Tool{
		Category: CategoryAnalysis,
		Handler:  handleDetectDuplicates,
		Definition: def("detect_duplicate_functions", "Scan the project for function names defined in multiple files.",
			nil, nil),
	})
	r.MustRegister(&Tool{
		Category: CategoryAnalysis,
		Handler:  handleCompareFiles,
		Definition: def("compare_file_implementations", "Measure line-level similarity between two files.",
			[]string{"file_a", "file_b"}, map[string]types.Property{
				"file_a": strProp("First file."),
				"file_b": strProp("Second file."),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryAnalysis,
		Handler:  handleExtractFeatures,
		Definition: def("extract_code_features", "List functions, classes, and imports of a file.",
			[]string{"filepath"}, map[string]types.Property{
				"filepath": strProp("File to analyze."),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryAnalysis,
		Handler:  handleFindDeadCode,
		Definition: def("find_dead_code", "Report functions with no callers anywhere in the project.",
			nil, nil),
	})
	r.MustRegister(&Tool{
		Category: CategoryAnalysis,
		Handler:  handleIntegrationGaps,
		Definition: def("analyze_integration_gaps", "Report modules never imported by other files.",
			nil, nil),
	})
	r.MustRegister(&Tool{
		Category: CategoryAnalysis,
		Handler:  handleCallGraph,
		Definition: def("generate_call_graph", "Build a per-function callee list for one file.",
			[]string{"filepath"}, map[string]types.Property{
				"filepath": strProp("File to analyze."),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryAnalysis,
		Handler:  handleComplexity,
		Definition: def("analyze_complexity", "Score each function in a file by length and branching.",
			[]string{"filepath"}, map[string]types.Property{
				"filepath": strProp("File to analyze."),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryAnalysis,
		Handler:  handleArchitectureConsistency,
		Definition: def("check_architecture_consistency", "Flag files whose import patterns deviate from the project norm.",
			nil, nil),
	})

	// validation
	r.MustRegister(&Tool{
		Category: CategoryValidation,
		Handler:  handleValidateSyntax,
		Definition: def("validate_syntax", "Run the language syntax check on a file already on disk.",
			[]string{"filepath"}, map[string]types.Property{
				"filepath": strProp("File to validate."),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryValidation,
		Handler:  handleCheckAttributeAccess,
		Definition: def("check_attribute_access", "Verify an attribute access has a matching definition in the file.",
			[]string{"filepath", "attribute"}, map[string]types.Property{
				"filepath":  strProp("File to inspect."),
				"attribute": strProp("Attribute name."),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryValidation,
		Handler:  handleCheckDictAccess,
		Definition: def("check_dict_access", "Find unguarded dict subscripts of a key in a file.",
			[]string{"filepath", "key"}, map[string]types.Property{
				"filepath": strProp("File to inspect."),
				"key":      strProp("Dictionary key."),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryValidation,
		Handler:  handleCheckMethodExists,
		Definition: def("check_method_exists", "Check whether a method is defined anywhere in the project.",
			[]string{"method"}, map[string]types.Property{
				"method": strProp("Method or function name."),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryValidation,
		Handler:  handleCheckToolHandlers,
		Definition: def("check_tool_handlers", "Check that the listed tool names have registered handlers.",
			[]string{"names"}, map[string]types.Property{
				"names": {Type: "array", Description: "Tool names to check.", Items: &types.PropertyItems{Type: "string"}},
			}),
	})

	// reporting
	r.MustRegister(&Tool{
		Category: CategoryReporting,
		Handler:  handleCreateIssueReport,
		Definition: def("create_issue_report", "Write a markdown issue report and announce it.",
			[]string{"title"}, map[string]types.Property{
				"title": strProp("Issue title."),
				"body":  strProp("Issue details."),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryReporting,
		Handler:  handleRequestDeveloperReview,
		Definition: def("request_developer_review", "Escalate a decision to the human developer.",
			[]string{"reason"}, map[string]types.Property{
				"reason":   strProp("Why human review is needed."),
				"filepath": strProp("File concerned, if any."),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryReporting,
		Handler:  handleApproveCode,
		Definition: def("approve_code", "Approve a file: completes its pending QA tasks.",
			[]string{"filepath"}, map[string]types.Property{
				"filepath": strProp("Approved file."),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryReporting,
		Handler:  handleReportQAIssue,
		Definition: def("report_qa_issue", "Report a QA problem with a file; creates a fix task.",
			[]string{"filepath", "issue"}, map[string]types.Property{
				"filepath": strProp("File with the problem."),
				"issue":    strProp("What is wrong."),
				"task_id":  strProp("Task under review, if known."),
				"severity": enumProp("critical", "high", "medium", "low"),
			}),
	})
	r.MustRegister(&Tool{
		Category: CategoryReporting,
		Handler:  handleReportBugFixed,
		Definition: def("report_bug_fixed", "Record that a reported bug has been fixed.",
			[]string{"task_id"}, map[string]types.Property{
				"task_id":     strProp("Fix task id."),
				"filepath":    strProp("File fixed."),
				"description": strProp("What the fix did."),
			}),
	})

	if enableMeta {
		r.MustRegister(&Tool{
			Category: CategoryMeta,
			Handler:  handleProposeTool,
			Definition: def("propose_tool", "Propose a new tool for the pipeline as a review document.",
				[]string{"name", "description"}, map[string]types.Property{
					"name":        strProp("Proposed tool name."),
					"description": strProp("What the tool would do."),
					"schema":      strProp("Sketch of the argument schema."),
				}),
		})
		r.MustRegister(&Tool{
			Category: CategoryMeta,
			Handler:  handleEvaluateTool,
			Definition: def("evaluate_tool", "Evaluate an existing tool's usefulness as a review document.",
				[]string{"name"}, map[string]types.Property{
					"name":    strProp("Tool under evaluation."),
					"verdict": strProp("Assessment text."),
				}),
		})
		r.MustRegister(&Tool{
			Category: CategoryMeta,
			Handler:  handleProposePrompt,
			Definition: def("propose_prompt", "Propose an improved phase prompt as a review document.",
				[]string{"phase", "prompt"}, map[string]types.Property{
					"phase":     strProp("Phase the prompt is for."),
					"prompt":    strProp("Proposed prompt text."),
					"rationale": strProp("Why the change helps."),
				}),
		})
		r.MustRegister(&Tool{
			Category: CategoryMeta,
			Handler:  handleProposeRole,
			Definition: def("propose_role", "Propose a new or revised specialist role as a review document.",
				[]string{"role"}, map[string]types.Property{
					"role":           strProp("Role name."),
					"responsibility": strProp("What the role owns."),
					"definition":     strProp("Role definition text."),
				}),
		})
	}

	return r
}

package maestro

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// taskInput is the document written to task_input.json. It is the
// agent's entire view of the world; field names are part of the agent
// CLI contract and must not change.
type taskInput struct {
	Task        inputTask         `json:"task"`
	Workspace   inputWorkspace    `json:"workspace"`
	Agent       inputAgent        `json:"agent"`
	Comments    []inputComment    `json:"comments"`
	Attachments []inputAttachment `json:"attachments"`
}

type inputTask struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Status      string  `json:"status"`
}

type inputWorkspace struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Instruction *string `json:"instruction"`
}

type inputAgent struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	RoleInstruction    *string `json:"roleInstruction"`
	WorkingInstruction *string `json:"workingInstruction"`
}

type inputComment struct {
	Author     string `json:"author"`
	AuthorType string `json:"authorType"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"createdAt"`
}

type inputAttachment struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// prepareSandbox materializes the per-execution working directory:
// a fresh directory under <sandbox root>/executions/<execution id>
// holding task_input.json and a copy of every task attachment. It
// returns the directory and the absolute path of task_input.json.
//
// Attachment copies are best-effort: a failed copy is logged and the
// attachment is left out of the input document, but the execution
// proceeds.
func (ex *Executor) prepareSandbox(ctx context.Context, ec ExecutionContext) (string, string, error) {
	dir := filepath.Join(ex.sandboxRoot, "executions", ec.Execution.ID)
	// A stale directory from a crashed run must not leak files into
	// this execution.
	if err := os.RemoveAll(dir); err != nil {
		return "", "", fmt.Errorf("clear sandbox: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create sandbox: %w", err)
	}

	comments, err := ex.store.ListComments(ctx, ec.Task.ID)
	if err != nil {
		return "", "", fmt.Errorf("load comments: %w", err)
	}
	attachments, err := ex.store.ListAttachments(ctx, ec.Task.ID)
	if err != nil {
		return "", "", fmt.Errorf("load attachments: %w", err)
	}

	in := taskInput{
		Task: inputTask{
			ID:          ec.Task.ID,
			Title:       ec.Task.Title,
			Description: nullable(ec.Task.Description),
			Status:      string(ec.Task.Status),
		},
		Workspace: inputWorkspace{
			ID:          ec.Workspace.ID,
			Name:        ec.Workspace.Name,
			Instruction: nullable(ec.WorkspaceInstruction),
		},
		Agent: inputAgent{
			ID:                 ec.Agent.ID,
			Name:               ec.Agent.Name,
			RoleInstruction:    nullable(ec.Agent.RoleInstruction),
			WorkingInstruction: nullable(ec.Agent.WorkingInstruction),
		},
		Comments:    make([]inputComment, 0, len(comments)),
		Attachments: make([]inputAttachment, 0, len(attachments)),
	}
	for _, c := range comments {
		in.Comments = append(in.Comments, inputComment{
			Author:     c.Author,
			AuthorType: string(c.AuthorType),
			Content:    c.Content,
			CreatedAt:  c.CreatedAt,
		})
	}
	for _, a := range attachments {
		dst := filepath.Join(dir, a.Filename)
		if err := copyFile(filepath.Join(ex.attachmentDir, a.StoredName), dst); err != nil {
			ex.logger.Warn("executor: attachment copy failed",
				"execution_id", ec.Execution.ID, "attachment_id", a.ID, "filename", a.Filename, "error", err)
			continue
		}
		in.Attachments = append(in.Attachments, inputAttachment{Filename: a.Filename, Path: dst})
	}

	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode task input: %w", err)
	}
	inputPath := filepath.Join(dir, "task_input.json")
	if err := os.WriteFile(inputPath, data, 0o644); err != nil {
		return "", "", fmt.Errorf("write task input: %w", err)
	}
	return dir, inputPath, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

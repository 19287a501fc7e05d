package toolexecutor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
)

// CLIApprovalHandler handles approval requests via CLI prompts
type CLIApprovalHandler struct {
	reader *bufio.Reader
	writer io.Writer
}

// NewCLIApprovalHandler creates a new CLI approval handler
func NewCLIApprovalHandler(reader io.Reader, writer io.Writer) *CLIApprovalHandler {
	return &CLIApprovalHandler{
		reader: bufio.NewReader(reader),
		writer: writer,
	}
}

// RequestApproval prompts the user for approval via CLI
func (c *CLIApprovalHandler) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	c.displayApprovalRequest(req)

	responseChan := make(chan ApprovalResponse, 1)
	errorChan := make(chan error, 1)

	go func() {
		response, err := c.readUserInput(req)
		if err != nil {
			errorChan <- err
		} else {
			responseChan <- response
		}
	}()

	select {
	case response := <-responseChan:
		return response, nil

	case err := <-errorChan:
		return ApprovalResponse{}, err

	case <-ctx.Done():
		fmt.Fprintln(c.writer, "\n  Approval request cancelled")
		return ApprovalResponse{
			Approved: false,
			Reason:   "cancelled",
		}, ctx.Err()
	}
}

// displayApprovalRequest displays the approval request to the user
func (c *CLIApprovalHandler) displayApprovalRequest(req ApprovalRequest) {
	fmt.Fprintln(c.writer, "")
	fmt.Fprintf(c.writer, "  Permission required: %s (%s)\n", req.Tool, req.Category)
	if summary := req.Summary(); summary != "" {
		for _, line := range strings.Split(summary, "\n") {
			fmt.Fprintf(c.writer, "    %s\n", line)
		}
	}
	fmt.Fprintln(c.writer, "")
	fmt.Fprint(c.writer, "  Allow? [y/N/a(lways)]: ")
}

// readUserInput reads and parses user input
func (c *CLIApprovalHandler) readUserInput(req ApprovalRequest) (ApprovalResponse, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return ApprovalResponse{}, fmt.Errorf("failed to read input: %w", err)
	}
	if err == io.EOF && line == "" {
		return ApprovalResponse{
			Approved: false,
			Reason:   "no input provided",
		}, nil
	}

	input := strings.TrimSpace(strings.ToLower(line))

	var response ApprovalResponse
	switch input {
	case "y", "yes":
		response = ApprovalResponse{Approved: true, Reason: "approved by user"}
	case "a", "always":
		response = ApprovalResponse{Approved: true, Always: true, Reason: "always allowed by user"}
	case "n", "no", "":
		response = ApprovalResponse{Approved: false, Reason: "denied by user"}
	default:
		response = ApprovalResponse{Approved: false, Reason: fmt.Sprintf("invalid input: %s", input)}
		fmt.Fprintf(c.writer, "  Invalid input: %s (defaulting to DENY)\n", input)
	}

	log.Debug().
		Str("tool", req.Tool).
		Bool("approved", response.Approved).
		Bool("always", response.Always).
		Msg("Approval answered via CLI")

	return response, nil
}

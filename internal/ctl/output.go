package ctl

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Exit codes for harmonyctl.
const (
	ExitSuccess      = 0 // command succeeded
	ExitFailure      = 1 // the run finished but not successfully
	ExitCommandError = 2 // bad usage, unreachable daemon or rejected call
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err; other errors map to
// ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// rpcError turns a gRPC status into a command error showing only the
// status message.
func rpcError(what string, err error) error {
	st := status.Convert(err)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s (%s)", what, st.Message(), st.Code()))
}

// OutputFormatter prints replies as JSON or as sorted key: value lines.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

func (f *OutputFormatter) Print(s *structpb.Struct) error {
	if f.Format == "json" {
		b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(f.Writer, string(b))
		return err
	}

	var lines []string
	flatten("", s.AsMap(), &lines)
	sort.Strings(lines)
	_, err := fmt.Fprintln(f.Writer, strings.Join(lines, "\n"))
	return err
}

func flatten(prefix string, v any, out *[]string) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			flatten(join(prefix, k), child, out)
		}
	case []any:
		for i, child := range t {
			flatten(join(prefix, fmt.Sprint(i)), child, out)
		}
	default:
		*out = append(*out, fmt.Sprintf("%s: %v", prefix, t))
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

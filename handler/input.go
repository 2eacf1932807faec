package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/evandcoleman/runpod-comfyui-serverless/client"
	"github.com/evandcoleman/runpod-comfyui-serverless/graphapi"
	"github.com/evandcoleman/runpod-comfyui-serverless/storage"
)

var (
	ErrNoInput           = errors.New("No input provided")
	ErrInputNotObject    = errors.New("Input must be a JSON object")
	ErrMissingWorkflow   = errors.New("Missing 'workflow' field")
	ErrWorkflowNotObject = errors.New("'workflow' must be a JSON object (ComfyUI API format)")
	ErrImagesNotList     = errors.New("'images' must be a list")
	ErrS3NotObject       = errors.New("'s3' must be an object")
)

// Job is the envelope the platform hands to a worker.
type Job struct {
	ID    string          `json:"id,omitempty"`
	Input json.RawMessage `json:"input"`
}

// JobInput is a validated job request.
type JobInput struct {
	Workflow graphapi.Workflow   `json:"workflow"`
	Images   []client.InputImage `json:"images,omitempty"`
	S3       *storage.Config     `json:"s3,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseJobInput validates raw job input. It performs no I/O; every error it
// returns is the message reported to the caller.
func ParseJobInput(raw []byte) (*JobInput, error) {
	raw = bytes.TrimSpace(raw)
	if isFalsy(raw) {
		return nil, ErrNoInput
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, ErrInputNotObject
	}
	if len(fields) == 0 {
		return nil, ErrNoInput
	}

	input := &JobInput{}

	rawWorkflow := bytes.TrimSpace(fields["workflow"])
	if isFalsy(rawWorkflow) {
		return nil, ErrMissingWorkflow
	}
	workflow, err := graphapi.ParseWorkflow(rawWorkflow)
	if err != nil {
		return nil, ErrWorkflowNotObject
	}
	input.Workflow = workflow

	images, err := parseImages(bytes.TrimSpace(fields["images"]))
	if err != nil {
		return nil, err
	}
	input.Images = images

	s3cfg, err := parseS3(bytes.TrimSpace(fields["s3"]))
	if err != nil {
		return nil, err
	}
	input.S3 = s3cfg

	return input, nil
}

func parseImages(raw []byte) ([]client.InputImage, error) {
	if isFalsy(raw) {
		return nil, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, ErrImagesNotList
	}

	images := make([]client.InputImage, 0, len(entries))
	for i, entry := range entries {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(entry, &obj); err != nil || obj == nil {
			return nil, fmt.Errorf("images[%d] must be an object with 'name' and 'image' fields", i)
		}
		// presence is checked, not content; an empty name fails at upload time
		_, hasName := obj["name"]
		_, hasImage := obj["image"]
		if !hasName || !hasImage {
			return nil, fmt.Errorf("images[%d] missing 'name' or 'image' field", i)
		}

		var img client.InputImage
		if err := json.Unmarshal(entry, &img); err != nil {
			return nil, fmt.Errorf("images[%d] 'name' and 'image' must be strings", i)
		}
		images = append(images, img)
	}
	return images, nil
}

func parseS3(raw []byte) (*storage.Config, error) {
	if isFalsy(raw) {
		return nil, nil
	}

	cfg := &storage.Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, ErrS3NotObject
	}

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			if verrs[0].Tag() == "required" {
				return nil, fmt.Errorf("s3 config missing '%s'", verrs[0].Field())
			}
			return nil, fmt.Errorf("s3 config has invalid '%s'", verrs[0].Field())
		}
		return nil, err
	}
	return cfg, nil
}

// isFalsy reports whether raw is absent or one of the empty JSON values
// (null, false, 0, "", [], {}).
func isFalsy(raw []byte) bool {
	switch string(raw) {
	case "", "null", "false", "0", `""`:
		return true
	}
	if len(raw) >= 2 && (raw[0] == '[' || raw[0] == '{') {
		return len(bytes.TrimSpace(raw[1:len(raw)-1])) == 0
	}
	return false
}

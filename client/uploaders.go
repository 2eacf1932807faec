package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"go.uber.org/zap"
)

type ImageType string

const (
	InputImageType  ImageType = "input"
	OutputImageType ImageType = "output"
)

// UploadFileFromReader uploads r into the server's image namespace and returns
// the name the server chose, which may differ from filename.
func (c *ComfyClient) UploadFileFromReader(ctx context.Context, r io.Reader, filename string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	// Create a buffer to store the request body
	var requestBody bytes.Buffer

	// Create a multipart writer to wrap the file (like FormData)
	writer := multipart.NewWriter(&requestBody)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, escapeQuotes(filename)))
	header.Set("Content-Type", "image/png")
	formFile, err := writer.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err = io.Copy(formFile, r); err != nil {
		return "", err
	}

	_ = writer.WriteField("overwrite", fmt.Sprintf("%v", overwrite))
	_ = writer.WriteField("type", string(filetype))
	if subfolder != "" {
		_ = writer.WriteField("subfolder", subfolder)
	}

	// Close the writer to finalize the body content
	if err := writer.Close(); err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodPost, "/upload/image", &requestBody, writer.FormDataContentType())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &StatusError{Method: http.MethodPost, Path: "/upload/image", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", err
	}

	// Get the image name from the response
	name, ok := data["name"].(string)
	if !ok {
		return "", fmt.Errorf("invalid response format")
	}
	return name, nil
}

// UploadImages pushes base64 images into the input folder with overwrite set.
// It stops at the first failure; images uploaded before it stay on the server.
func (c *ComfyClient) UploadImages(ctx context.Context, images []InputImage) error {
	for i, img := range images {
		data, err := DecodeBase64Image(img.Image)
		if err != nil {
			return fmt.Errorf("images[%d] %q: %w", i, img.Name, err)
		}

		name, err := c.UploadFileFromReader(ctx, bytes.NewReader(data), img.Name, true, InputImageType, "")
		if err != nil {
			return fmt.Errorf("images[%d] %q: %w", i, img.Name, err)
		}
		c.logger.Debug("input image uploaded", zap.String("name", name), zap.Int("bytes", len(data)))
	}
	return nil
}

// DecodeBase64Image decodes standard base64, tolerating a data URI prefix.
func DecodeBase64Image(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if _, rest, ok := strings.Cut(s, ","); ok {
			s = rest
		}
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

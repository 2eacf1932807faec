package client

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeChunk(buf *bytes.Buffer, kind string, data []byte) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(data)))
	buf.WriteString(kind)
	buf.Write(data)
	crc := crc32.NewIEEE()
	crc.Write([]byte(kind))
	crc.Write(data)
	_ = binary.Write(buf, binary.BigEndian, crc.Sum32())
}

func pngWithText(t *testing.T, text map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.Write([]byte{137, 80, 78, 71, 13, 10, 26, 10})
	writeChunk(&buf, "IHDR", []byte{0, 0, 0, 1, 0, 0, 0, 1, 8, 2, 0, 0, 0})
	for k, v := range text {
		writeChunk(&buf, "tEXt", append(append([]byte(k), 0), v...))
	}
	writeChunk(&buf, "IDAT", []byte{0x78, 0x9c, 0x63, 0, 0, 0, 0x01, 0, 0x01})
	writeChunk(&buf, "IEND", nil)
	return buf.Bytes()
}

func TestGetPngMetadata(t *testing.T) {
	t.Parallel()

	data := pngWithText(t, map[string]string{"prompt": `{"1": {}}`, "workflow": `{"nodes": []}`})
	meta, err := GetPngMetadata(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, `{"1": {}}`, meta["prompt"])
	assert.Equal(t, `{"nodes": []}`, meta["workflow"])

	_, err = GetPngMetadata(bytes.NewReader([]byte("GIF89a..")))
	assert.Error(t, err)
}

func TestNewWorkflowFromPNGFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.png")
	data := pngWithText(t, map[string]string{
		"prompt": `{"3": {"class_type": "KSampler", "inputs": {"seed": 1}}, "9": {"class_type": "SaveImage", "inputs": {}}}`,
	})
	require.NoError(t, os.WriteFile(path, data, 0o644))

	w, err := NewWorkflowFromPNGFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, w.NodeCount())
	assert.Equal(t, "KSampler", w.NodeType("3"))
}

func TestNewWorkflowFromPNGReader_NoPrompt(t *testing.T) {
	t.Parallel()

	_, err := NewWorkflowFromPNGReader(bytes.NewReader(pngWithText(t, nil)))
	assert.Error(t, err)
}

func TestDecodeBase64Image(t *testing.T) {
	t.Parallel()

	got, err := DecodeBase64Image("aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	got, err = DecodeBase64Image("data:image/png;base64,aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	_, err = DecodeBase64Image("%%%")
	assert.Error(t, err)
}

func TestWebsocketURL(t *testing.T) {
	t.Parallel()

	c := NewComfyClient("https://pod.example.com/", nil)
	assert.Equal(t, "wss://pod.example.com/ws?clientId="+c.ClientID(), c.websocketURL())

	c = NewComfyClient("http://127.0.0.1:8188", nil)
	assert.Equal(t, "ws://127.0.0.1:8188/ws?clientId="+c.ClientID(), c.websocketURL())
}

package vector

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/x448/float16"
)

// Codec errors. Callers classify per-record failures with errors.Is.
var (
	// ErrCorruptEmbedding indicates the payload cannot be decoded into a
	// structurally valid multi-vector.
	ErrCorruptEmbedding = errors.New("corrupt embedding")
	// ErrUnsupportedCodec indicates an unknown codec version tag.
	ErrUnsupportedCodec = errors.New("unsupported codec version")
	// ErrEmbeddingTooLarge indicates the tensor exceeds the storage cap.
	ErrEmbeddingTooLarge = errors.New("embedding too large")
)

// codecVersionF16Deflate is the only codec currently produced: f16
// quantization followed by a deflate stream. The version tag is the first
// byte of every serialized blob so future codecs can coexist.
const codecVersionF16Deflate byte = 1

// headerSize is version tag + dim + seq_len.
const headerSize = 1 + 4 + 4

// MaxTensorBytes caps the quantized tensor size (seq_len * dim * 2 bytes).
const MaxTensorBytes = 2 << 20

// elementSize is the byte width of one quantized element (f16).
const elementSize = 2

// Compress serializes a multi-vector to its stored byte form:
// a 1-byte version tag, big-endian dim and seq_len, then a deflate stream
// of little-endian f16 elements. Quantization to f16 keeps cosine error
// below 1e-3 per token for unit-length inputs; deflate brings the typical
// reduction versus raw f32 to roughly 4x.
func Compress(mv *MultiVector) ([]byte, error) {
	if err := mv.Validate(); err != nil {
		return nil, err
	}
	if mv.SeqLen*mv.Dim*elementSize > MaxTensorBytes {
		return nil, fmt.Errorf("%w: %d tokens x %d dims", ErrEmbeddingTooLarge, mv.SeqLen, mv.Dim)
	}

	raw := make([]byte, len(mv.Data)*elementSize)
	for i, v := range mv.Data {
		binary.LittleEndian.PutUint16(raw[i*elementSize:], uint16(float16.Fromfloat32(v)))
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(raw)/3)
	buf.WriteByte(codecVersionF16Deflate)

	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(mv.Dim))
	binary.BigEndian.PutUint32(header[4:8], uint32(mv.SeqLen))
	buf.Write(header[:])

	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("init deflate: %w", err)
	}
	if _, err := fw.Write(raw); err != nil {
		return nil, fmt.Errorf("deflate write: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("deflate close: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress decodes a stored blob back into a multi-vector.
// Callers must not mutate the returned buffer.
func Decompress(b []byte) (*MultiVector, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("%w: blob of %d bytes", ErrCorruptEmbedding, len(b))
	}
	if b[0] != codecVersionF16Deflate {
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrUnsupportedCodec, b[0])
	}

	dim := int(binary.BigEndian.Uint32(b[1:5]))
	seqLen := int(binary.BigEndian.Uint32(b[5:9]))
	if dim <= 0 || seqLen <= 0 {
		return nil, fmt.Errorf("%w: dim=%d seq_len=%d", ErrCorruptEmbedding, dim, seqLen)
	}
	if seqLen*dim*elementSize > MaxTensorBytes {
		return nil, fmt.Errorf("%w: %d tokens x %d dims", ErrEmbeddingTooLarge, seqLen, dim)
	}

	raw := make([]byte, seqLen*dim*elementSize)
	fr := flate.NewReader(bytes.NewReader(b[headerSize:]))
	defer fr.Close()

	if _, err := io.ReadFull(fr, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEmbedding, err)
	}
	// The stream must end exactly at the declared element count.
	var trailer [1]byte
	n, err := fr.Read(trailer[:])
	if n != 0 {
		return nil, fmt.Errorf("%w: trailing data after %d elements", ErrCorruptEmbedding, seqLen*dim)
	}
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEmbedding, err)
	}

	data := make([]float32, seqLen*dim)
	for i := range data {
		data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*elementSize:])).Float32()
	}

	return &MultiVector{Dim: dim, SeqLen: seqLen, Data: data}, nil
}

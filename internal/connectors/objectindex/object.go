package objectindex

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/custodia-labs/ingestd/internal/connectors/eventjson"
	"github.com/custodia-labs/ingestd/internal/core/domain"
)

// verify checks obj's sha256 and rewinds rs.
func verify(rs io.ReadSeeker, obj object) error {
	if obj.Checksum == "" {
		return nil
	}
	h := sha256.New()
	if _, err := io.Copy(h, rs); err != nil {
		return domain.Transient("verify object", err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != obj.Checksum {
		return domain.Transient("verify object", fmt.Errorf("%s: sha256 %s, index says %s", obj.Name, got, obj.Checksum))
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return domain.Transient("verify object", err)
	}
	return nil
}

// unseal decrypts an AES-GCM object whose nonce precedes the ciphertext.
func unseal(r io.Reader, key []byte, limit int64) (io.Reader, error) {
	sealed, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, domain.Transient("decrypt object", err)
	}
	if int64(len(sealed)) > limit {
		return nil, domain.FatalConfig("decrypt object", fmt.Errorf("object larger than max_object_bytes (%d)", limit))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, domain.FatalConfig("decrypt object", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, domain.FatalConfig("decrypt object", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, domain.Malformed("decrypt object", errors.New("object shorter than nonce"))
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, domain.Malformed("decrypt object", err)
	}
	return bytes.NewReader(plain), nil
}

// gzipMagic starts every gzip stream.
var gzipMagic = []byte{0x1f, 0x8b}

// decompress wraps r in a gzip reader when the object is compressed.
func decompress(r io.Reader, mode, name string) (io.Reader, error) {
	br := bufio.NewReader(r)
	gz := mode == CompressionGzip
	if mode == CompressionAuto {
		head, _ := br.Peek(len(gzipMagic))
		gz = bytes.Equal(head, gzipMagic) || strings.HasSuffix(name, ".gz")
	}
	if !gz {
		return br, nil
	}
	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, domain.Malformed("decompress object", fmt.Errorf("%s: %w", name, err))
	}
	return zr, nil
}

// rawRecords yields the raw records of a decoded object in file order.
// A yielded error ends the object.
func (c *Config) rawRecords(r io.Reader) iter.Seq2[json.RawMessage, error] {
	if c.Format == FormatJSON {
		return c.jsonRecords(r)
	}
	return c.lineRecords(r)
}

func (c *Config) lineRecords(r io.Reader) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), c.MaxLineBytes)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			if !yield(bytes.Clone(line), nil) {
				return
			}
		}
		switch err := sc.Err(); {
		case errors.Is(err, bufio.ErrTooLong):
			yield(nil, domain.FatalConfig("read object", fmt.Errorf("line longer than max_line_bytes (%d)", c.MaxLineBytes)))
		case err != nil:
			yield(nil, readError(err))
		}
	}
}

func (c *Config) jsonRecords(r io.Reader) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		if c.RecordsField != "" {
			doc, err := io.ReadAll(io.LimitReader(r, c.MaxObjectBytes+1))
			if err != nil {
				yield(nil, readError(err))
				return
			}
			raw, err := eventjson.Lookup(doc, c.RecordsField)
			if errors.Is(err, eventjson.ErrFieldMissing) {
				return
			}
			if err != nil {
				yield(nil, domain.Malformed("decode object", err))
				return
			}
			r = bytes.NewReader(raw)
		}

		dec := json.NewDecoder(r)
		tok, err := dec.Token()
		if err != nil {
			yield(nil, readError(err))
			return
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			yield(nil, domain.Malformed("decode object", errors.New("records are not an array")))
			return
		}
		for dec.More() {
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				yield(nil, readError(err))
				return
			}
			if !yield(raw, nil) {
				return
			}
		}
	}
}

// readError classifies a failure while reading a local object copy. The
// bytes are local so a failure means the object itself is damaged.
func readError(err error) error {
	return domain.Malformed("read object", err)
}

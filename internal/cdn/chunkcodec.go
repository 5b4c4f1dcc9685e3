// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package cdn

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/samber/oops"
)

// Chunk payloads on the wire are zlib-compressed plaintext encrypted
// with the depot key: a random 16-byte IV followed by the AES-CTR
// ciphertext.

// OpenChunk decrypts and decompresses a sealed chunk payload and
// enforces the declared plaintext length. A length mismatch is a hard
// failure; the engine treats it like any other failed attempt.
func OpenChunk(key, payload []byte, wantLen uint32) ([]byte, error) {
	if len(payload) < aes.BlockSize {
		return nil, oops.Code("CHUNK_TRUNCATED").
			With("payload_len", len(payload)).
			Errorf("payload shorter than IV")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, oops.Code("CHUNK_KEY_INVALID").
			With("key_len", len(key)).
			Wrap(err)
	}

	iv := payload[:aes.BlockSize]
	compressed := make([]byte, len(payload)-aes.BlockSize)
	cipher.NewCTR(block, iv).XORKeyStream(compressed, payload[aes.BlockSize:])

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, oops.Code("CHUNK_DECOMPRESS_FAILED").Wrap(err)
	}
	defer zr.Close()

	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, oops.Code("CHUNK_DECOMPRESS_FAILED").Wrap(err)
	}

	if uint32(len(plain)) != wantLen {
		return nil, oops.Code("CHUNK_LENGTH_MISMATCH").
			With("want", wantLen).
			With("got", len(plain)).
			Errorf("decoded chunk length does not match manifest")
	}
	return plain, nil
}

// PackChunk is the inverse of OpenChunk. The client never uploads, but
// test CDN stubs use it to produce wire-faithful payloads.
func PackChunk(key, plain []byte) ([]byte, error) {
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(plain); err != nil {
		return nil, oops.Code("CHUNK_COMPRESS_FAILED").Wrap(err)
	}
	if err := zw.Close(); err != nil {
		return nil, oops.Code("CHUNK_COMPRESS_FAILED").Wrap(err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, oops.Code("CHUNK_KEY_INVALID").With("key_len", len(key)).Wrap(err)
	}

	payload := make([]byte, aes.BlockSize+compressed.Len())
	if _, err := rand.Read(payload[:aes.BlockSize]); err != nil {
		return nil, oops.Code("CHUNK_SEAL_FAILED").Wrap(err)
	}
	cipher.NewCTR(block, payload[:aes.BlockSize]).XORKeyStream(payload[aes.BlockSize:], compressed.Bytes())
	return payload, nil
}

package model

import (
	"bytes"
	"encoding/gob"
	"io"

	"github.com/YuminosukeSato/modl/pkg/errors"
)

// EncodeGob は値を gob でバイト列にエンコードする
//
// 推定器の MarshalBinary とキャッシュのコーデックから使われる。
// 汎用的なモデル保存 API ではない。
func EncodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeGobTo(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeGob は EncodeGob で作られたバイト列を v（ポインタ）にデコードする
func DecodeGob(data []byte, v interface{}) error {
	return DecodeGobFrom(bytes.NewReader(data), v)
}

// EncodeGobTo は値を w に gob で書き込む
func EncodeGobTo(w io.Writer, v interface{}) error {
	if err := gob.NewEncoder(w).Encode(v); err != nil {
		return errors.Wrap(err, "failed to encode model")
	}
	return nil
}

// DecodeGobFrom は r から gob を読み込んで v（ポインタ）にデコードする
func DecodeGobFrom(r io.Reader, v interface{}) error {
	if err := gob.NewDecoder(r).Decode(v); err != nil {
		return errors.Wrap(err, "failed to decode model")
	}
	return nil
}

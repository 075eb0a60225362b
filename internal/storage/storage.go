// Package storage 保存客户上传的付款凭证文件。
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"storefront/internal/apperr"
)

// Object 已保存对象的引用。
type Object struct {
	Key         string
	URL         string
	ContentType string
	Size        int64
}

// ProofStore 凭证对象存储。实现需保证 EnsureBucket 在并发/重复调用下幂等。
type ProofStore interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, contentType string) (Object, error)
	Delete(ctx context.Context, key string) error
}

// 允许的凭证类型（按内容嗅探，不信任客户端声明）。
var allowedTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

// sniffLen 足够覆盖上述类型的魔数。
const sniffLen = 3072

// Upload 经过校验、可直接写入存储的凭证内容。
type Upload struct {
	Body        io.Reader
	ContentType string
	Ext         string
	Size        int64
}

// Inspect 校验大小并嗅探内容类型。size 为 multipart 声明的长度，读取时仍按 maxBytes 截断。
func Inspect(r io.Reader, size, maxBytes int64) (Upload, error) {
	const op = "storage.inspect"

	if size <= 0 {
		return Upload{}, apperr.New(apperr.KindValidation, op, "payment proof file is empty")
	}
	if size > maxBytes {
		return Upload{}, apperr.Newf(apperr.KindValidation, op, "payment proof exceeds %d bytes", maxBytes)
	}

	header := make([]byte, sniffLen)
	n, err := io.ReadFull(r, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Upload{}, apperr.Wrap(apperr.KindStorage, op, err)
	}
	header = header[:n]

	mt := mimetype.Detect(header)
	ct := strings.SplitN(mt.String(), ";", 2)[0]
	ext, ok := allowedTypes[ct]
	if !ok {
		return Upload{}, apperr.Newf(apperr.KindValidation, op, "payment proof type %s is not allowed", ct)
	}

	body := io.MultiReader(bytes.NewReader(header), r)
	return Upload{
		Body:        &capReader{r: body, remaining: maxBytes},
		ContentType: ct,
		Ext:         ext,
		Size:        size,
	}, nil
}

// ProofKey 对象键：proofs/<yyyy>/<mm>/<dd>/<user>/<uuid><ext>。
func ProofKey(userID, ext string, now time.Time) string {
	user := strings.NewReplacer("/", "_", "..", "_").Replace(strings.TrimSpace(userID))
	if user == "" {
		user = "anonymous"
	}
	return path.Join("proofs", now.UTC().Format("2006/01/02"), user, uuid.NewString()+ext)
}

// capReader 超过上限即报错，防止声明长度与实际内容不符。
type capReader struct {
	r         io.Reader
	remaining int64
}

func (c *capReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, apperr.New(apperr.KindValidation, "storage.read", "payment proof exceeds size limit")
	}
	return n, err
}

func objectURL(base, bucket, key string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(base, "/"), bucket, key)
}

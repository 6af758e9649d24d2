package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/mifeng-cdn/mifeng/internal/cache"
	"github.com/mifeng-cdn/mifeng/internal/download"
	"github.com/mifeng-cdn/mifeng/internal/server"
)

// streamFromUpstream 流式模式：收到 stream-start 后一次性写出响应头，随后逐块转发。
// 客户端断开后继续读完上游，保证缓存写入不受影响；上游中途失败时直接断开连接，
// 让客户端看到截断而不是一个完整的 200。
func (h *Handler) streamFromUpstream(
	c fiber.Ctx,
	result *server.DispatchResult,
	task download.Task,
	key, requestID string,
	started time.Time,
) error {
	stream, err := h.pool.DownloadStream(requestContext(c), task)
	if err != nil {
		h.logResult(result, key, requestID, false, statusOf(err), 0, started, err)
		return internalError(c)
	}

	h.applyHeaders(c, stream.ContentType, false)
	c.Status(stream.Status)

	ext := cache.Extension(key)
	capture := h.cache.IsCacheable(ext, math.MaxInt64)
	conn := c.RequestCtx().Conn()
	contentType := stream.ContentType

	err = c.SendStreamWriter(func(w *bufio.Writer) {
		defer stream.Close()

		var (
			buf        bytes.Buffer
			written    int
			clientGone bool
		)
		for {
			chunk, err := stream.Next(context.Background())
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				h.logResult(result, key, requestID, false, stream.Status, written, started, err)
				abort(conn)
				return
			}
			if capture {
				buf.Write(chunk)
			}
			written += len(chunk)
			if clientGone {
				continue
			}
			if _, werr := w.Write(chunk); werr == nil {
				werr = w.Flush()
				if werr != nil {
					clientGone = true
				}
			} else {
				clientGone = true
			}
			if clientGone {
				h.logger.WithFields(logrus.Fields{
					"action":     "proxy",
					"path":       key,
					"request_id": requestID,
				}).Info("client_disconnected_draining")
			}
		}

		if capture && h.cache.IsCacheable(ext, int64(buf.Len())) {
			h.writer.Submit(key, buf.Bytes(), contentType)
		}
		h.logResult(result, key, requestID, false, stream.Status, written, started, nil)
	})
	if err != nil {
		stream.Close()
		return err
	}
	if stream.ContentLength >= 0 {
		c.Response().Header.SetContentLength(int(stream.ContentLength))
	}
	c.Response().ImmediateHeaderFlush = true
	return nil
}

func abort(conn net.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}

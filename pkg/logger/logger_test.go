package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/service-mesh/pkg/logger"
)

var _ = Describe("Logger", func() {
	Describe("New", func() {
		It("should create loggers for every level", func() {
			for _, lvl := range []string{"debug", "info", "warn", "error", "invalid"} {
				Expect(logger.New(lvl, false, "dev")).NotTo(BeNil())
			}
		})

		It("should default to info for invalid level", func() {
			log := logger.New("invalid", false, "dev")
			Expect(log.Enabled(context.Background(), slog.LevelInfo)).To(BeTrue())
			Expect(log.Enabled(context.Background(), slog.LevelDebug)).To(BeFalse())
		})

		It("should respect warn level", func() {
			log := logger.New("warn", false, "dev")

			Expect(log.Enabled(context.Background(), slog.LevelInfo)).To(BeFalse())
			Expect(log.Enabled(context.Background(), slog.LevelWarn)).To(BeTrue())
		})
	})

	Describe("NewWithWriter", func() {
		It("should emit JSON with the environment in prod", func() {
			var buf bytes.Buffer
			log := logger.NewWithWriter(&buf, "info", false, "prod")
			log.Info("hello")

			var record map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &record)).To(Succeed())
			Expect(record["msg"]).To(Equal("hello"))
			Expect(record["environment"]).To(Equal("prod"))
		})

		It("should emit text outside prod", func() {
			var buf bytes.Buffer
			log := logger.NewWithWriter(&buf, "info", false, "dev")
			log.Info("hello")

			Expect(buf.String()).To(ContainSubstring("msg=hello"))
			Expect(buf.String()).To(ContainSubstring("environment=dev"))
		})
	})

	Describe("WithComponent", func() {
		It("should tag records with the component", func() {
			var buf bytes.Buffer
			log := logger.WithComponent(logger.NewWithWriter(&buf, "info", false, "dev"), "gateway")
			log.Info("routed")

			Expect(buf.String()).To(ContainSubstring("component=gateway"))
		})

		It("should fall back to the default logger", func() {
			Expect(logger.WithComponent(nil, "bus")).NotTo(BeNil())
		})
	})

	Describe("ParseLevel", func() {
		It("should map names case-insensitively", func() {
			Expect(logger.ParseLevel("DEBUG")).To(Equal(slog.LevelDebug))
			Expect(logger.ParseLevel("Error")).To(Equal(slog.LevelError))
			Expect(logger.ParseLevel("")).To(Equal(slog.LevelInfo))
		})
	})
})

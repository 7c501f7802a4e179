package handlers

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/mattn/go-isatty"
)

// Color constants for terminal output
const (
	cCyan    = "\u001b[96m"
	cGreen   = "\u001b[92m"
	cYellow  = "\u001b[93m"
	cBlue    = "\u001b[94m"
	cRed     = "\u001b[91m"
	cMagenta = "\u001b[95m"
	cReset   = "\u001b[0m"
)

// sampleEvery is how often a polled endpoint is logged.
const sampleEvery = 10

// polledPaths are hit by UIs on a timer and would drown the request log.
var polledPaths = map[string]bool{
	"/health":       true,
	"/api/sessions": true,
}

func getStatusColor(status int, enableColors bool) string {
	if !enableColors {
		return ""
	}
	switch {
	case status >= 200 && status < 300:
		return cGreen
	case status >= 300 && status < 400:
		return cBlue
	case status >= 400 && status < 500:
		return cYellow
	default:
		return cRed
	}
}

func getMethodColor(method string, enableColors bool) string {
	if !enableColors {
		return ""
	}
	switch method {
	case fiber.MethodGet:
		return cCyan
	case fiber.MethodPost:
		return cGreen
	case fiber.MethodDelete:
		return cRed
	case fiber.MethodPatch:
		return cMagenta
	default:
		return cReset
	}
}

// SamplingLogger logs every request except polled endpoints, which are
// logged once every sampleEvery calls.
func SamplingLogger() fiber.Handler {
	var mu sync.Mutex
	counters := make(map[string]int)

	enableColors := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("NO_COLOR") != "1" && os.Getenv("TERM") != "dumb"

	defaultLogger := logger.New(logger.Config{
		Format: "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${error}\n",
	})

	return func(c *fiber.Ctx) error {
		path := c.Path()
		if !polledPaths[path] {
			return defaultLogger(c)
		}

		mu.Lock()
		counters[path]++
		count := counters[path]
		if count >= sampleEvery {
			counters[path] = 0
		}
		mu.Unlock()

		if count < sampleEvery {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		status := c.Response().StatusCode()
		method := c.Method()
		resetColor := ""
		if enableColors {
			resetColor = cReset
		}

		fmt.Printf("%s | %s%d%s | %13s | %s | %s%s%s | %s | - [sampled: %d calls]\n",
			time.Now().Format("15:04:05"),
			getStatusColor(status, enableColors), status, resetColor,
			duration,
			c.IP(),
			getMethodColor(method, enableColors), method, resetColor,
			path,
			count)
		return err
	}
}

// Package logger предоставляет логирование с префиксом сервиса и асинхронной записью,
// чтобы не блокировать сетевые и UI-обработчики клиента. Поддерживается логирование времени выполнения функций.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

const asyncBufferSize = 8192

var (
	prefix   string
	logLevel = levelInfo
	ch       chan entry
	once     sync.Once
	out      = log.New(os.Stderr, "", log.LstdFlags)
	outMu    sync.Mutex
)

type level int

const (
	levelDebug level = iota
	levelInfo
)

type entry struct {
	msg  string
	done chan struct{}
}

func initLevel() {
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "trace":
		logLevel = levelDebug
	default:
		logLevel = levelInfo
	}
}

func initWorker() {
	initLevel()
	ch = make(chan entry, asyncBufferSize)
	go func() {
		for e := range ch {
			if e.done != nil {
				close(e.done)
				continue
			}
			outMu.Lock()
			out.Print(e.msg)
			outMu.Unlock()
		}
	}()
}

func enqueue(msg string) {
	once.Do(initWorker)
	select {
	case ch <- entry{msg: msg}:
	default:
		// Буфер полон — не блокируем, теряем лог
	}
}

// SetPrefix задаёт префикс для всех последующих логов (например "client", "bridge").
func SetPrefix(p string) {
	prefix = p
}

// SetOutput перенаправляет вывод (используется в тестах).
func SetOutput(w io.Writer) {
	outMu.Lock()
	out.SetOutput(w)
	outMu.Unlock()
}

// SetLevel переопределяет уровень из LOG_LEVEL: "debug" включает Debugf.
func SetLevel(l string) {
	once.Do(initWorker)
	switch l {
	case "debug", "trace":
		logLevel = levelDebug
	default:
		logLevel = levelInfo
	}
}

// Flush дожидается записи всех сообщений, поставленных в очередь до вызова.
func Flush() {
	once.Do(initWorker)
	done := make(chan struct{})
	ch <- entry{done: done}
	<-done
}

func tag() string {
	if prefix == "" {
		return ""
	}
	return "[" + prefix + "] "
}

// Info пишет в log с префиксом (асинхронно).
func Info(v ...any) {
	enqueue(tag() + fmt.Sprint(v...))
}

// Infof форматирует и пишет с префиксом (асинхронно).
func Infof(format string, v ...any) {
	enqueue(tag() + fmt.Sprintf(format, v...))
}

// Warnf — некритичные ситуации: недоступный relay, отклонённая отправка.
func Warnf(format string, v ...any) {
	enqueue(tag() + "WARN: " + fmt.Sprintf(format, v...))
}

// Debugf пишет только при LOG_LEVEL=debug.
func Debugf(format string, v ...any) {
	once.Do(initWorker)
	if logLevel != levelDebug {
		return
	}
	enqueue(tag() + "DEBUG: " + fmt.Sprintf(format, v...))
}

// Error пишет ошибку с префиксом (асинхронно).
func Error(v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprint(v...))
}

// Errorf форматирует ошибку с префиксом (асинхронно).
func Errorf(format string, v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprintf(format, v...))
}

// LogDuration логирует имя функции и время выполнения в миллисекундах (асинхронно).
// При LOG_LEVEL=info логирует только вызовы дольше 100ms; при LOG_LEVEL=debug — все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if logLevel == levelDebug || elapsed >= 100*time.Millisecond {
		enqueue(fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("Engine.SendText", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}

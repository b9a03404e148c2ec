package hook

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/logging"
	"github.com/Manu343726/dmtrap/pkg/sigscan"
	"github.com/Manu343726/dmtrap/pkg/utils"
)

var ErrErrorRoutineNotFound = errors.New("runtime error routine not found")

// ErrorReplacement is the function the runtime error detour jumps to. It receives the
// context raising the error and the string id of the error message. The host's own
// error handling runs after it returns.
type ErrorReplacement func(ctx host.Context, message uint32)

// ErrorDetourer installs detours on the host's runtime error routine
type ErrorDetourer interface {
	DetourError(target uint32, replacement ErrorReplacement) (Detour, error)
}

// Strings resolves host string ids
type Strings interface {
	String(id uint32) (string, error)
}

// ErrorHook forwards host runtime errors to a handler
type ErrorHook struct {
	log     *slog.Logger
	strings Strings
	handler FaultHandler
	address uint32
	detour  Detour
}

// InstallErrorHook locates the host's runtime error routine and detours it to handler
func InstallErrorHook(image sigscan.Image, detourer ErrorDetourer, strings Strings, handler FaultHandler, log *slog.Logger) (*ErrorHook, error) {
	hook := &ErrorHook{
		log:     logging.Component(log, "hook"),
		strings: strings,
		handler: handler,
	}

	address, err := image.LocateAny("runtime_error", sigscan.RuntimeError)
	if err != nil {
		return nil, utils.MakeError(ErrErrorRoutineNotFound, "%v", err)
	}

	detour, err := detourer.DetourError(address, hook.raise)
	if err != nil {
		return nil, utils.MakeError(ErrDetourFailed, "runtime error routine at 0x%08X: %v", address, err)
	}

	hook.address = address
	hook.detour = detour
	hook.log.Info("runtime error hook installed", slog.String("address", utils.FormatUintHex(uint64(address), 8)))
	return hook, nil
}

// Address returns the address of the detoured routine
func (h *ErrorHook) Address() uint32 {
	return h.address
}

// Remove restores the host's runtime error routine
func (h *ErrorHook) Remove() error {
	if h.detour == nil {
		return nil
	}
	detour := h.detour
	h.detour = nil
	if err := detour.Remove(); err != nil {
		return fmt.Errorf("removing runtime error detour: %w", err)
	}
	h.log.Info("runtime error hook removed")
	return nil
}

func (h *ErrorHook) raise(ctx host.Context, message uint32) {
	text, err := h.strings.String(message)
	if err != nil {
		text = fmt.Sprintf("runtime error (message %d unavailable: %v)", message, err)
	}

	h.log.Debug("runtime error", slog.Any("context", ctx), slog.String("message", text))

	defer func() {
		if r := recover(); r != nil {
			h.log.Error("runtime error handler panicked", slog.Any("panic", r))
		}
	}()
	h.handler(ctx, text)
}

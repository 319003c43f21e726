// Package luahost runs an optional Lua script that hooks into relay events.
package luahost

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/inbucket/smtp2tg/pkg/config"
	"github.com/inbucket/smtp2tg/pkg/extension"
	"github.com/inbucket/smtp2tg/pkg/extension/event"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// Name of the extension host listeners registered by this package.
const listenerName = "lua"

// Host of Lua extensions.
type Host struct {
	Functions  []string // Functions detected in lua script.
	extHost    *extension.Host
	pool       *statePool
	logContext zerolog.Context
}

// New constructs a new Lua Host, pre-compiling the source.  Returns nil without error when no
// script is present.
func New(conf config.Lua, extHost *extension.Host) (*Host, error) {
	scriptPath := conf.Path
	if scriptPath == "" {
		return nil, nil
	}

	logger := log.With().Str("module", "lua").Str("phase", "startup").Str("path", scriptPath).
		Logger()

	// Pre-load, parse, and compile script.
	if fi, err := os.Stat(scriptPath); err != nil {
		logger.Info().Msg("Script file not found")
		return nil, nil
	} else if fi.IsDir() {
		return nil, fmt.Errorf("lua script %v is a directory", scriptPath)
	}

	logger.Info().Msg("Loading script")
	file, err := os.Open(scriptPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return NewFromReader(log.Logger, extHost, bufio.NewReader(file), scriptPath)
}

// NewFromReader constructs a new Lua Host, loading Lua source from the provided reader.
// The provided path is used in logging and error messages.
func NewFromReader(logger zerolog.Logger, extHost *extension.Host, r io.Reader, path string) (
	*Host, error) {
	startLogger := logger.With().Str("module", "lua").Str("phase", "startup").Str("path", path).
		Logger()

	// Pre-parse, and compile script.
	chunk, err := parse.Parse(r, path)
	if err != nil {
		return nil, err
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, err
	}

	// Build the pool and confirm LState is retrievable.
	pool := newStatePool(logger, proto)
	h := &Host{extHost: extHost, pool: pool, logContext: logger.With().Str("module", "lua")}
	ls, err := pool.getState()
	if err != nil {
		return nil, err
	}
	h.wireFunctions(startLogger, ls)
	pool.putState(ls)

	return h, nil
}

// CreateChannel creates a channel and places it into the named global variable
// in newly created LStates.
func (h *Host) CreateChannel(name string) chan lua.LValue {
	return h.pool.createChannel(name)
}

// wireFunctions registers extension host listeners for the hooks the script defined.
func (h *Host) wireFunctions(logger zerolog.Logger, ls *lua.LState) {
	hooks, err := getHooks(ls)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to get smtp2tg global")
		return
	}

	events := h.extHost.Events
	if hooks.Before.MessageRelayed != nil {
		events.BeforeMessageRelayed.AddListener(listenerName, h.handleBeforeMessageRelayed)
		h.Functions = append(h.Functions, beforeMessageRelayedFnName)
	}
	if hooks.After.MessageRelayed != nil {
		events.AfterMessageRelayed.AddListener(listenerName, h.handleAfterMessageRelayed)
		h.Functions = append(h.Functions, afterMessageRelayedFnName)
	}

	if len(h.Functions) > 0 {
		logger.Info().Strs("functions", h.Functions).Msg("Lua hooks registered")
	} else {
		logger.Warn().Msg("No Lua hooks defined")
	}
}

func (h *Host) handleBeforeMessageRelayed(msg event.InboundMessage) *event.InboundMessage {
	logger, ls, hooks, ok := h.prepareFuncCall(beforeMessageRelayedFnName)
	if !ok {
		return nil
	}
	defer h.pool.putState(ls)

	// Call lua function.
	if err := ls.CallByParam(
		lua.P{Fn: hooks.Before.MessageRelayed, NRet: 1, Protect: true},
		wrapInboundMessage(ls, &msg),
	); err != nil {
		logger.Error().Err(err).Msg("Failed to call Lua function")
		return nil
	}

	lval := ls.Get(-1)
	ls.Pop(1)
	if lua.LVIsFalse(lval) {
		// Relay unchanged.
		return nil
	}
	result, err := unwrapInboundMessage(lval)
	if err != nil {
		logger.Error().Err(err).Msg("Bad response from Lua Function")
		return nil
	}
	return result
}

func (h *Host) handleAfterMessageRelayed(meta event.RelayMetadata) {
	logger, ls, hooks, ok := h.prepareFuncCall(afterMessageRelayedFnName)
	if !ok {
		return
	}
	defer h.pool.putState(ls)

	// Call lua function.
	if err := ls.CallByParam(
		lua.P{Fn: hooks.After.MessageRelayed, NRet: 0, Protect: true},
		wrapRelayMetadata(ls, &meta),
	); err != nil {
		logger.Error().Err(err).Msg("Failed to call Lua function")
	}
}

// prepareFuncCall checks out an LState and looks up the script hooks.  On success the caller
// must return ls to the pool.
func (h *Host) prepareFuncCall(funcName string) (
	logger zerolog.Logger, ls *lua.LState, hooks *Hooks, ok bool) {
	logger = h.logContext.Str("event", funcName).Logger()

	ls, err := h.pool.getState()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to get Lua state instance from pool")
		return logger, nil, nil, false
	}

	hooks, err = getHooks(ls)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to obtain Lua smtp2tg object")
		h.pool.putState(ls)
		return logger, nil, nil, false
	}

	return logger, ls, hooks, true
}

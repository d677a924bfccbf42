// Package handler dispatches one decoded directive to the tracked Go value
// (or class) it names, catching panics and errors from the target and
// turning them into protocol.PayloadError replies (spec §4.4, §7).
package handler

import (
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/pkg/errors"

	"github.com/twinproto/twinterp/codec"
	"github.com/twinproto/twinterp/ident"
	"github.com/twinproto/twinterp/protocol"
	"github.com/twinproto/twinterp/share"
	"github.com/twinproto/twinterp/tracker"
)

// ErrInstanceNotTracked is wrapped into a PayloadError when a directive's
// subject reference does not resolve to anything this process is tracking.
var ErrInstanceNotTracked = errors.New("handler: instance not tracked")

// Config wires a Handler to the registries and codec it dispatches
// against.
type Config struct {
	TwinID    ident.TwinID
	Instances *tracker.Instances
	Classes   *tracker.Classes
	Functions *tracker.Functions
	Codec     *codec.Codec
	Logger    share.Logger
}

// Handler implements the fixed eight-directive-plus-terminate dispatch
// table (spec §3, §6).
type Handler struct {
	cfg Config
	log share.Logger
}

// New builds a Handler from cfg.
func New(cfg Config) *Handler {
	log := cfg.Logger
	if log == nil {
		log = share.NewLogger("handler", share.LogLevelInfo)
	}
	return &Handler{cfg: cfg, log: log}
}

// Handle decodes req.Payload per req.Directive, invokes it, and returns the
// reply to send back. A non-nil error return means a framework invariant
// broke (unknown directive, malformed payload, or a *protocol.
// StopTwinterpreter) and the caller (kernel.Server) must stop serving;
// everything the target itself raises is instead folded into the returned
// Reply with Status == Exception.
func (h *Handler) Handle(req protocol.Request) (protocol.Reply, error) {
	switch req.Directive {
	case protocol.CallFunc:
		return h.handleCallFunc(req)
	case protocol.CallMethod:
		return h.handleCallMethod(req)
	case protocol.GetAttribute:
		return h.handleGetAttribute(req)
	case protocol.SetAttribute:
		return h.handleSetAttribute(req)
	case protocol.DelAttribute:
		return h.handleDelAttribute(req)
	case protocol.Instantiate:
		return h.handleInstantiate(req)
	case protocol.RefIncr:
		return h.handleRefIncr(req)
	case protocol.RefDecr:
		return h.handleRefDecr(req)
	case protocol.Terminate:
		return protocol.Reply{}, h.handleTerminate(req)
	default:
		return protocol.Reply{}, fmt.Errorf("handler: unknown directive %d", req.Directive)
	}
}

func (h *Handler) handleTerminate(req protocol.Request) error {
	ev, err := h.cfg.Codec.DecodeTerminationEvent(req.Payload)
	if err != nil {
		return err
	}
	return &protocol.StopTwinterpreter{ExitCode: ev.ExitCode, Message: ev.Message}
}

func (h *Handler) handleCallFunc(req protocol.Request) (protocol.Reply, error) {
	p, err := h.cfg.Codec.DecodeCallFuncPayload(req.Payload)
	if err != nil {
		return protocol.Reply{}, err
	}
	fn, ok := h.cfg.Functions.Resolve(p.Callable)
	if !ok {
		return h.exceptionReply(req.RequestID, "LookupError", fmt.Sprintf("no function registered as %q", p.Callable))
	}
	return h.invoke(req.RequestID, func() (any, error) { return fn(p.Args, p.Kwargs) })
}

func (h *Handler) handleCallMethod(req protocol.Request) (protocol.Reply, error) {
	p, err := h.cfg.Codec.DecodeCallMethodPayload(req.Payload)
	if err != nil {
		return protocol.Reply{}, err
	}
	handle, err := h.subjectHandle(p.Subject)
	if err != nil {
		return h.exceptionReply(req.RequestID, "LookupError", err.Error())
	}
	if isClassSubject(handle) {
		return h.exceptionReply(req.RequestID, "TypeError", "cannot call_method against a class subject")
	}
	in, err := h.lookupInstance(handle)
	if err != nil {
		return h.exceptionReply(req.RequestID, "LookupError", err.Error())
	}
	desc, ok := h.cfg.Classes.Resolve(in.ClassKey)
	if !ok {
		return h.exceptionReply(req.RequestID, "LookupError", fmt.Sprintf("class %s/%s not registered", in.ClassKey.Module, in.ClassKey.Class))
	}
	method, ok := desc.Methods[p.Name]
	if !ok {
		return h.exceptionReply(req.RequestID, "AttributeError", fmt.Sprintf("%s has no method %q", in.ClassKey.Class, p.Name))
	}
	return h.invoke(req.RequestID, func() (any, error) { return method(in.Value, p.Args, p.Kwargs) })
}

func (h *Handler) handleGetAttribute(req protocol.Request) (protocol.Reply, error) {
	p, err := h.cfg.Codec.DecodeAttributePayload(req.Payload)
	if err != nil {
		return protocol.Reply{}, err
	}
	accessor, target, err := h.resolveAttr(p.Subject, p.Name)
	if err != nil {
		return h.exceptionReply(req.RequestID, "AttributeError", err.Error())
	}
	return h.invoke(req.RequestID, func() (any, error) { return accessor.Get(target) })
}

func (h *Handler) handleSetAttribute(req protocol.Request) (protocol.Reply, error) {
	p, err := h.cfg.Codec.DecodeSetAttributePayload(req.Payload)
	if err != nil {
		return protocol.Reply{}, err
	}
	accessor, target, err := h.resolveAttr(p.Subject, p.Name)
	if err != nil {
		return h.exceptionReply(req.RequestID, "AttributeError", err.Error())
	}
	return h.invoke(req.RequestID, func() (any, error) { return nil, accessor.Set(target, p.Value) })
}

func (h *Handler) handleDelAttribute(req protocol.Request) (protocol.Reply, error) {
	p, err := h.cfg.Codec.DecodeAttributePayload(req.Payload)
	if err != nil {
		return protocol.Reply{}, err
	}
	accessor, target, err := h.resolveAttr(p.Subject, p.Name)
	if err != nil {
		return h.exceptionReply(req.RequestID, "AttributeError", err.Error())
	}
	return h.invoke(req.RequestID, func() (any, error) { return nil, accessor.Del(target) })
}

func (h *Handler) handleInstantiate(req protocol.Request) (protocol.Reply, error) {
	p, err := h.cfg.Codec.DecodeInstantiatePayload(req.Payload)
	if err != nil {
		return protocol.Reply{}, err
	}
	key := p.Class
	desc, ok := h.cfg.Classes.Resolve(key)
	if !ok {
		return h.exceptionReply(req.RequestID, "LookupError", fmt.Sprintf("class %s/%s not registered", key.Module, key.Class))
	}
	return h.invoke(req.RequestID, func() (any, error) {
		value, err := desc.Constructor(p.Args, p.Kwargs)
		if err != nil {
			return nil, err
		}
		handle := ident.Handle{TwinID: h.cfg.TwinID, InstanceID: ident.NewInstanceID()}
		// Instantiate's caller is guaranteed to hold a proxy for the
		// returned reference without issuing a separate ref_incr, so the
		// new instance starts at one remote ref, not zero (spec §5).
		h.cfg.Instances.TrackInstantiated(handle, key, value)
		return ident.Reference{Handle: handle, ClassKey: key}, nil
	})
}

func (h *Handler) handleRefIncr(req protocol.Request) (protocol.Reply, error) {
	p, err := h.cfg.Codec.DecodeRefCountPayload(req.Payload)
	if err != nil {
		return protocol.Reply{}, err
	}
	handle, err := h.subjectHandle(p.Instance)
	if err != nil {
		return h.exceptionReply(req.RequestID, "LookupError", err.Error())
	}
	return h.invoke(req.RequestID, func() (any, error) { return h.cfg.Instances.IncrRef(handle) })
}

func (h *Handler) handleRefDecr(req protocol.Request) (protocol.Reply, error) {
	p, err := h.cfg.Codec.DecodeRefCountPayload(req.Payload)
	if err != nil {
		return protocol.Reply{}, err
	}
	handle, err := h.subjectHandle(p.Instance)
	if err != nil {
		// A subject that is not a reference names nothing to release, so it
		// gets an empty success reply. A reference to an instance that is
		// no longer tracked goes on to DecrRef, whose lookup error comes
		// back as an exception reply.
		return protocol.Reply{RequestID: req.RequestID, Status: protocol.Success}, nil
	}
	return h.invoke(req.RequestID, func() (any, error) { return h.cfg.Instances.DecrRef(handle) })
}

// invoke runs fn, recovering a panic as though the target had raised, and
// packages the result into a Reply.
func (h *Handler) invoke(id protocol.RequestID, fn func() (any, error)) (rep protocol.Reply, _ error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.ELogf("handler: recovered panic: %v\n%s", r, debug.Stack())
			rep, _ = h.exceptionReply(id, "PanicError", fmt.Sprintf("%v", r))
		}
	}()
	result, err := fn()
	if err != nil {
		return h.exceptionReply(id, errorTypeName(err), err.Error())
	}
	body, encErr := h.cfg.Codec.EncodeReply(id, protocol.Success, result)
	if encErr != nil {
		return protocol.Reply{}, encErr
	}
	var rawReply protocol.Reply
	if jsonErr := json.Unmarshal(body, &rawReply); jsonErr != nil {
		return protocol.Reply{}, jsonErr
	}
	return rawReply, nil
}

func (h *Handler) exceptionReply(id protocol.RequestID, typeName, message string) (protocol.Reply, error) {
	pe := protocol.NewPayloadError(typeName, message)
	body, err := h.cfg.Codec.EncodeReply(id, protocol.Exception, pe)
	if err != nil {
		return protocol.Reply{}, err
	}
	var rep protocol.Reply
	if err := json.Unmarshal(body, &rep); err != nil {
		return protocol.Reply{}, err
	}
	return rep, nil
}

func (h *Handler) resolveAttr(subject any, name string) (tracker.AttrAccessor, any, error) {
	handle, err := h.subjectHandle(subject)
	if err != nil {
		return nil, nil, err
	}
	if isClassSubject(handle) {
		desc, ok := h.classDescForSubject(subject)
		if !ok {
			return nil, nil, fmt.Errorf("class not registered")
		}
		accessor, ok := desc.StaticAttrs[name]
		if !ok {
			return nil, nil, fmt.Errorf("%s has no static attribute %q", desc.Key.Class, name)
		}
		return accessor, nil, nil
	}
	in, err := h.lookupInstance(handle)
	if err != nil {
		return nil, nil, err
	}
	desc, ok := h.cfg.Classes.Resolve(in.ClassKey)
	if !ok {
		return nil, nil, fmt.Errorf("class %s/%s not registered", in.ClassKey.Module, in.ClassKey.Class)
	}
	accessor, ok := desc.Attrs[name]
	if !ok {
		return nil, nil, fmt.Errorf("%s has no attribute %q", in.ClassKey.Class, name)
	}
	return accessor, in.Value, nil
}

func (h *Handler) lookupInstance(handle ident.Handle) (*tracker.Instance, error) {
	in, ok := h.cfg.Instances.Lookup(handle)
	if !ok {
		return nil, errors.Wrapf(ErrInstanceNotTracked, "%s/%s", handle.TwinID, handle.InstanceID)
	}
	return in, nil
}

func (h *Handler) classDescForSubject(subject any) (*tracker.ClassDescriptor, bool) {
	ref, ok := subject.(ident.Reference)
	if !ok {
		return nil, false
	}
	return h.cfg.Classes.Resolve(ref.ClassKey)
}

func isClassSubject(handle ident.Handle) bool {
	return handle.InstanceID == ident.ClassSubjectInstanceID
}

func (h *Handler) subjectHandle(subject any) (ident.Handle, error) {
	ref, ok := subject.(ident.Reference)
	if !ok {
		return ident.Handle{}, fmt.Errorf("handler: subject is not a tracked reference: %T", subject)
	}
	return ref.Handle, nil
}

func errorTypeName(err error) string {
	return fmt.Sprintf("%T", errors.Cause(err))
}

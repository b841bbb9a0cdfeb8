package kernel

type ActCtx struct {
	K    IKernel
	Self Handle
	Name string
}

// Send delivers a Normal message from the current actor.
func (c *ActCtx) Send(to Handle, session int32, payload []byte) error {
	return c.K.Send(c.Self, to, MsgNormal, session, payload)
}

// SendType is Send with an explicit message type.
func (c *ActCtx) SendType(to Handle, typ MessageType, session int32, payload []byte) error {
	return c.K.Send(c.Self, to, typ, session, payload)
}

// SendNamed resolves name through the name index first.
func (c *ActCtx) SendNamed(name string, session int32, payload []byte) error {
	to, ok := c.K.ActorByName(name)
	if !ok {
		return ErrUnknownActor
	}
	return c.Send(to, session, payload)
}

// Reply answers req with a Normal message carrying the same session.
func (c *ActCtx) Reply(req Message, payload []byte) error {
	return c.Send(req.Source, req.Session, payload)
}

// Exit requests the current actor's own release. The Release message is
// delivered after the current dispatch returns.
func (c *ActCtx) Exit() error {
	return c.K.Unregister(c.Self)
}

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/adwski/watchparty/backend/directory"
	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/roomcode"
)

// Host creates a room and starts listening for viewers. It returns the room
// code to share.
func (s *Session) Host(ctx context.Context) (string, error) {
	if err := s.start(); err != nil {
		return "", err
	}
	s.acquireCamera()

	deriver, derived := s.dir.(directory.AddressDeriver)
	for attempt := 1; attempt <= s.cfg.CodeAttempts; attempt++ {
		code := roomcode.Generate()
		addr := s.cfg.Address
		if derived {
			addr = deriver.HostAddress(code)
		}

		err := s.dir.Register(ctx, code, addr)
		if errors.Is(err, directory.ErrCodeTaken) {
			s.logger.Debug().Str("code", code).Int("attempt", attempt).Msg("room code is taken")
			continue
		}
		if err != nil {
			return "", s.fail(err, "cannot reach the room directory: "+err.Error())
		}

		if err = s.do(func() error {
			s.role, s.code, s.self, s.hostAddr, s.registered = model.RoleHost, code, addr, addr, true
			return nil
		}); err != nil {
			return "", err
		}
		if err = s.tr.Listen(s.ctx, code, addr, s.accept); err != nil {
			_ = s.do(func() error {
				_ = s.dir.Unregister(ctx, code, addr)
				s.role, s.code, s.self, s.hostAddr, s.registered = "", "", s.cfg.Address, "", false
				return nil
			})
			if derived {
				// a derived address in use is the same as a taken code
				s.logger.Debug().Err(err).Str("code", code).Msg("derived address is in use")
				continue
			}
			return "", s.fail(err, "cannot open the room: "+err.Error())
		}

		s.logger.Info().Str("code", code).Str("address", addr).Msg("hosting room")
		s.post(func() {
			s.chat.System("room " + code + " is open")
		})
		return code, nil
	}
	err := fmt.Errorf("%w: gave up after %d attempts", directory.ErrCodeTaken, s.cfg.CodeAttempts)
	return "", s.fail(err, "could not get a free room code")
}

// Join enters the room identified by input. Input is normalized first and
// rejected before any network traffic when it is not a room code.
func (s *Session) Join(ctx context.Context, input string) error {
	code, err := roomcode.Parse(input)
	if err != nil {
		return err
	}
	if err = s.start(); err != nil {
		return err
	}
	s.acquireCamera()

	hostAddr, err := s.dir.Resolve(ctx, code, s.cfg.Address)
	if err != nil {
		text := "cannot reach the room directory"
		switch {
		case errors.Is(err, directory.ErrRoomNotFound):
			text = "room " + code + " does not exist"
		case errors.Is(err, directory.ErrRoomFull):
			text = "room " + code + " is full"
		}
		return s.fail(err, text)
	}

	if err = s.do(func() error {
		s.role, s.code, s.hostAddr = model.RoleViewer, code, hostAddr
		return nil
	}); err != nil {
		return err
	}
	if err = s.tr.Listen(s.ctx, code, s.cfg.Address, s.accept); err != nil {
		s.leaveDirectory(code)
		return s.fail(err, "cannot connect to the room: "+err.Error())
	}

	openCtx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
	defer cancel()
	conn, err := s.tr.Open(openCtx, hostAddr)
	if err != nil {
		return s.fail(errors.Join(ErrHostUnreachable, err), "host unreachable")
	}

	s.logger.Info().Str("code", code).Str("host", hostAddr).Msg("joined room")
	return s.do(func() error {
		if s.ended {
			_ = conn.Close()
			return ErrLeft
		}
		s.chat.System("joined room " + code)
		s.connected(conn, true)
		return nil
	})
}

// leaveDirectory releases the slot Resolve took for a peer that never got
// onto the transport, nothing else would free it.
func (s *Session) leaveDirectory(code string) {
	ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()
	if err := s.dir.Leave(ctx, code, s.cfg.Address); err != nil {
		s.logger.Debug().Err(err).Str("code", code).Msg("failed to leave room directory")
	}
}

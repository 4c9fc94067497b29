package gpurv

import (
	"fmt"
	"image"
)

// frameBytes copies the framebuffer region. Callers hold closeMu.
func (s *Session) frameBytes() ([]byte, error) {
	data, err := s.eng.readMem(FramebufferOffset, FramebufferSize)
	if err != nil {
		return nil, err
	}
	recordFrameRead()
	return data, nil
}

// FrameBytes returns a copy of the raw RGBA framebuffer.
func (s *Session) FrameBytes() ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("gpurv: session is nil")
	}
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.frameBytes()
}

// FrameRGBA returns the framebuffer as an image. The pixel data is a
// copy; mutating it does not touch guest memory.
func (s *Session) FrameRGBA() (*image.RGBA, error) {
	data, err := s.FrameBytes()
	if err != nil {
		return nil, err
	}
	return &image.RGBA{
		Pix:    data,
		Stride: FramebufferWidth * 4,
		Rect:   image.Rect(0, 0, FramebufferWidth, FramebufferHeight),
	}, nil
}

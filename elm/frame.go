package elm

import (
	"bytes"
	"strings"
)

// Prompt - символ приглашения, которым адаптер завершает каждый ответ
const Prompt = '>'

// FrameParser накапливает поток байт и выделяет кадры, завершенные приглашением.
// Каждый кадр выдается ровно один раз. Не потокобезопасен: его кормит одна горутина чтения.
type FrameParser struct {
	buf []byte
}

// Feed добавляет фрагмент и возвращает все завершенные кадры (без '>' и пробелов по краям)
func (p *FrameParser) Feed(chunk []byte) []string {
	p.buf = append(p.buf, chunk...)

	var frames []string
	for {
		i := bytes.IndexByte(p.buf, Prompt)
		if i < 0 {
			break
		}
		frames = append(frames, cleanFrame(p.buf[:i]))
		p.buf = append(p.buf[:0], p.buf[i+1:]...)
	}
	return frames
}

// cleanFrame убирает NUL-байты клонов и пробельные символы по краям
func cleanFrame(raw []byte) string {
	s := strings.ReplaceAll(string(raw), "\x00", "")
	return strings.TrimSpace(s)
}

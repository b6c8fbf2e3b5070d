package player

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/session"
)

// Session is the part of the attempt session the player drives.
type Session interface {
	View() session.View
	Done() <-chan struct{}
	ToggleChoice(questionID, optionID int64) error
	SetText(questionID int64, text string) error
	ToggleFlag(index int) error
	Goto(index int) error
	Next()
	Prev()
	RequestSubmit() (session.Confirmation, error)
	ConfirmSubmit() bool
	CancelSubmit()
	Retry() bool
	SaveNow(ctx context.Context) error
}

// errQuit ends the command loop on request.
var errQuit = errors.New("quit")

// Player is a line-oriented front end for one attempt. It doubles as the
// session.Observer, so it must exist before the session starts.
type Player struct {
	mu     sync.Mutex
	out    io.Writer
	prompt bool
	log    zerolog.Logger

	saveFailing bool
}

// New creates a Player writing to out. prompt enables the "> " prompt for
// interactive terminals.
func New(out io.Writer, prompt bool, log zerolog.Logger) *Player {
	return &Player{
		out:    out,
		prompt: prompt,
		log:    log.With().Str("component", "player").Logger(),
	}
}

// Run reads commands from in until the attempt is submitted, the input ends
// or the user quits. It returns the final view.
func (p *Player) Run(ctx context.Context, s Session, in io.Reader) session.View {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	p.render(s.View())
	p.showPrompt()

	for {
		select {
		case <-ctx.Done():
			return s.View()
		case <-s.Done():
			return s.View()
		case line, ok := <-lines:
			if !ok {
				return s.View()
			}
			if err := p.exec(ctx, s, strings.TrimSpace(line)); err != nil {
				if errors.Is(err, errQuit) {
					return s.View()
				}
				p.printf("error: %v\n", err)
			}
			p.showPrompt()
		}
	}
}

func (p *Player) exec(ctx context.Context, s Session, line string) error {
	if line == "" {
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	v := s.View()

	if v.Confirming {
		switch strings.ToLower(cmd) {
		case "yes", "y":
			if !s.ConfirmSubmit() {
				return errors.New("submission already started")
			}
			p.printf("Submitting...\n")
		default:
			s.CancelSubmit()
			p.printf("Submission cancelled.\n")
		}
		return nil
	}

	switch strings.ToLower(cmd) {
	case "help", "h", "?":
		p.printf("%s", helpText)

	case "view", "v":
		p.render(v)

	case "next", "n":
		s.Next()
		p.render(s.View())

	case "prev", "p":
		s.Prev()
		p.render(s.View())

	case "goto", "g":
		n, err := questionNumber(arg)
		if err != nil {
			return err
		}
		if err := s.Goto(n - 1); err != nil {
			return err
		}
		p.render(s.View())

	case "choose", "c":
		q, err := currentQuestion(v)
		if err != nil {
			return err
		}
		picks := strings.Fields(arg)
		if len(picks) == 0 {
			return errors.New("usage: choose <option number>...")
		}
		for _, pick := range picks {
			n, err := strconv.Atoi(pick)
			if err != nil || n < 1 || n > len(q.Options) {
				return fmt.Errorf("no option %q on question %d", pick, q.Index+1)
			}
			if err := s.ToggleChoice(q.ID, q.Options[n-1].ID); err != nil {
				return err
			}
		}
		p.render(s.View())

	case "text", "t":
		q, err := currentQuestion(v)
		if err != nil {
			return err
		}
		if q.Type != model.QuestionTypeText {
			return fmt.Errorf("question %d is not a text question", q.Index+1)
		}
		if err := s.SetText(q.ID, arg); err != nil {
			return err
		}
		p.printf("Answer recorded.\n")

	case "flag", "f":
		if err := s.ToggleFlag(v.Current); err != nil {
			return err
		}
		p.printf("%s\n", p.summary(s.View()))

	case "list", "l":
		p.printf("%s\n", p.summary(v))

	case "save":
		if err := s.SaveNow(ctx); err != nil {
			return fmt.Errorf("save failed: %w", err)
		}
		p.printf("Saved.\n")

	case "submit":
		confirm, err := s.RequestSubmit()
		if err != nil {
			return err
		}
		p.printf("You answered %d of %d questions. Submit now? (yes/no)\n", confirm.Answered, confirm.Total)

	case "retry":
		if !s.Retry() {
			return errors.New("nothing to retry")
		}
		p.printf("Retrying submission...\n")

	case "quit", "exit", "q":
		return errQuit

	default:
		return fmt.Errorf("unknown command %q, type help", cmd)
	}
	return nil
}

func currentQuestion(v session.View) (session.QuestionView, error) {
	if len(v.Questions) == 0 {
		return session.QuestionView{}, errors.New("the quiz has no questions")
	}
	return v.Questions[v.Current], nil
}

func questionNumber(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("usage: goto <question number>")
	}
	return n, nil
}

// render prints the current question.
func (p *Player) render(v session.View) {
	var b strings.Builder
	fmt.Fprintf(&b, "== %s ", v.Title)
	if v.Timed {
		fmt.Fprintf(&b, "[%s left] ", formatRemaining(v.Remaining))
	}
	fmt.Fprintf(&b, "%d/%d answered\n", v.AnsweredCount, len(v.Questions))

	if len(v.Questions) > 0 {
		q := v.Questions[v.Current]
		flag := ""
		if q.Flagged {
			flag = " (flagged)"
		}
		fmt.Fprintf(&b, "Q%d/%d%s: %s\n", q.Index+1, len(v.Questions), flag, q.Text)

		switch q.Type {
		case model.QuestionTypeText:
			if q.AnswerText != "" {
				fmt.Fprintf(&b, "  answer: %s\n", q.AnswerText)
			} else {
				b.WriteString("  (type: text <your answer>)\n")
			}
		default:
			for i, o := range q.Options {
				mark := " "
				if o.Selected {
					mark = "x"
				}
				fmt.Fprintf(&b, "  [%s] %d. %s\n", mark, i+1, o.Text)
			}
		}
	}

	if v.Warning != "" {
		fmt.Fprintf(&b, "! Instructor: %s\n", v.Warning)
	}
	p.printf("%s", b.String())
}

func (p *Player) summary(v session.View) string {
	numbers := func(idx []int) string {
		if len(idx) == 0 {
			return "none"
		}
		return strings.Join(lo.Map(idx, func(i int, _ int) string { return strconv.Itoa(i + 1) }), ", ")
	}
	answered := lo.FilterMap(v.Questions, func(q session.QuestionView, _ int) (int, bool) {
		return q.Index, q.Answered
	})
	return fmt.Sprintf("Answered: %s | Flagged: %s", numbers(answered), numbers(v.Flagged))
}

func (p *Player) showPrompt() {
	if p.prompt {
		p.printf("> ")
	}
}

func (p *Player) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

// ─── session.Observer ───────────────────────────────────────────────

// Tick announces the remaining time on whole minutes and during the last
// ten seconds.
func (p *Player) Tick(remaining time.Duration) {
	secs := int(remaining / time.Second)
	if secs == 0 || (secs > 10 && secs%60 != 0) {
		return
	}
	p.printf("Time left: %s\n", formatRemaining(remaining))
}

func (p *Player) Warning(message string) {
	p.printf("! Instructor: %s\n", message)
}

func (p *Player) SaveResult(err error) {
	p.mu.Lock()
	wasFailing := p.saveFailing
	p.saveFailing = err != nil
	p.mu.Unlock()

	switch {
	case err != nil && !wasFailing:
		p.log.Warn().Err(err).Msg("Autosave failed")
		p.printf("Autosave failed, your answers are kept locally and will be resent.\n")
	case err == nil && wasFailing:
		p.printf("Autosave recovered.\n")
	}
}

func (p *Player) Submitted(trigger session.Trigger) {
	if trigger.Forced() {
		p.printf("Attempt submitted: %s.\n", trigger.Message())
		return
	}
	p.printf("Attempt submitted.\n")
}

func (p *Player) SubmitFailed(trigger session.Trigger, err error, next session.State) {
	p.log.Warn().Err(err).Str("trigger", trigger.String()).Str("next", next.String()).Msg("Submission failed")
	switch next {
	case session.StateRetryScheduled:
		p.printf("Submission failed (%s), retrying automatically...\n", trigger.Message())
	case session.StateRetryRequired:
		p.printf("Submission failed (%s). Type retry to try again.\n", trigger.Message())
	default:
		p.printf("Submission failed: %v. You can keep editing and submit again.\n", err)
	}
}

func formatRemaining(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	h, m, s := secs/3600, secs/60%60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

const helpText = `Commands:
  view | v               show the current question
  next | n, prev | p     move between questions
  goto | g <n>           jump to question n
  choose | c <n>...      toggle option n of the current question
  text | t <answer>      answer a text question
  flag | f               flag the current question for review
  list | l               show answered and flagged questions
  save                   save now instead of waiting for autosave
  submit                 submit the attempt (asks for confirmation)
  retry                  retry a failed forced submission
  quit | q               leave without submitting
`

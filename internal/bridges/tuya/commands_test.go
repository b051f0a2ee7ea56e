package tuya

import (
	"errors"
	"testing"
)

func lightSnapshot(category string) *Snapshot {
	return &Snapshot{
		Category: category,
		Functions: []FieldSpec{
			{DP: 1, Code: "switch_1", Kind: KindBoolean, Writable: true},
			{DP: 20, Code: "switch_led", Kind: KindBoolean, Writable: true},
			{DP: 21, Code: "work_mode", Kind: KindEnum, Writable: true, Meta: EnumMeta{
				Allowed: []string{"white", "colour"},
				Display: map[string]string{"colour": "Colour"},
			}},
			{DP: 22, Code: "bright_value", Kind: KindInteger, Writable: true,
				Meta: IntegerMeta{Min: 10, Max: 1000, Step: 1, Scale: 1}},
			{DP: 24, Code: "colour_data", Kind: KindJSON, Writable: true},
			{DP: 25, Code: "scene_name", Kind: KindString, Writable: true},
			{Code: "countdown", Kind: KindInteger, Writable: true, SuggestedDP: 26,
				Meta: IntegerMeta{Max: 86400, Step: 1}},
			{DP: 27, Code: "fault", Kind: KindBoolean},
		},
	}
}

func TestGenerate_CommandTable(t *testing.T) {
	cmds := Generate(lightSnapshot("dj"))

	want := []string{"bright_value", "colour_data", "off", "on", "scene_name", "switch_led", "work_mode"}
	got := SortedCommands(cmds)
	if len(got) != len(want) {
		names := make([]string, 0, len(got))
		for _, c := range got {
			names = append(names, c.Name)
		}
		t.Fatalf("commands = %v, want %v", names, want)
	}
	for i, c := range got {
		if c.Name != want[i] {
			t.Errorf("command %d = %q, want %q", i, c.Name, want[i])
		}
	}

	if _, ok := cmds["switch_1"]; ok {
		t.Error("switch_1 should only produce on/off")
	}
	if _, ok := cmds["countdown"]; ok {
		t.Error("pending field produced a command")
	}
	if _, ok := cmds["fault"]; ok {
		t.Error("read-only field produced a command")
	}
}

func TestGenerate_Hints(t *testing.T) {
	cmds := Generate(lightSnapshot("dj"))

	tests := []struct {
		name string
		args []string
		hint string
	}{
		{"on", nil, ""},
		{"switch_led", []string{ArgOnOff}, "on,off"},
		{"work_mode", []string{ArgValue}, "white,Colour"},
		{"bright_value", []string{ArgValue}, "slider,1,0.1,100"},
		{"colour_data", []string{ArgValue}, "colorpicker,RGB"},
		{"scene_name", []string{ArgValue}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := cmds[tt.name]
			if !ok {
				t.Fatalf("command %q missing", tt.name)
			}
			if len(c.Args) != len(tt.args) || (len(tt.args) > 0 && c.Args[0] != tt.args[0]) {
				t.Errorf("Args = %v, want %v", c.Args, tt.args)
			}
			if got := c.Hint.String(); got != tt.hint {
				t.Errorf("Hint = %q, want %q", got, tt.hint)
			}
		})
	}
}

func TestCommandDescriptor_Encode(t *testing.T) {
	tests := []struct {
		name     string
		category string
		command  string
		arg      any
		wantDP   int
		wantRaw  any
		wantErr  error
	}{
		{"on", "dj", "on", nil, 1, true, nil},
		{"off ignores argument", "dj", "off", "whatever", 1, false, nil},
		{"switch_led", "dj", "switch_led", "on", 20, true, nil},
		{"slider in display units", "dj", "bright_value", 55, 22, int64(550), nil},
		{"slider out of range", "dj", "bright_value", 200, 0, nil, ErrInvalidArgument},
		{"enum display", "dj", "work_mode", "Colour", 21, "colour", nil},
		{"colour on light", "dj", "colour_data", "ff0000", 24, "ff00000000ffff", nil},
		{"colour elsewhere", "dd", "colour_data", "ff0000", 24, "000003e803e8", nil},
		{"colour invalid", "dj", "colour_data", "red", 0, nil, ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := Generate(lightSnapshot(tt.category))[tt.command]
			if !ok {
				t.Fatalf("command %q missing", tt.command)
			}
			dp, raw, err := c.Encode(tt.arg)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Encode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if dp != tt.wantDP || raw != tt.wantRaw {
				t.Errorf("Encode() = (%d, %v), want (%d, %v)", dp, raw, tt.wantDP, tt.wantRaw)
			}
		})
	}
}

func TestGenerate_LaterFieldWinsOnCollision(t *testing.T) {
	snap := &Snapshot{Functions: []FieldSpec{
		{DP: 1, Code: "switch_1", Kind: KindBoolean, Writable: true},
		{DP: 7, Code: "on", Kind: KindString, Writable: true},
	}}
	c := Generate(snap)["on"]
	if c.Field.DP != 7 {
		t.Errorf("on bound to dp %d, want 7", c.Field.DP)
	}
}

func TestGenerate_NilSnapshot(t *testing.T) {
	if cmds := Generate(nil); len(cmds) != 0 {
		t.Errorf("Generate(nil) = %v, want empty", cmds)
	}
}

func TestCommandDescriptor_EncodeWithoutEncoder(t *testing.T) {
	var c CommandDescriptor
	if _, _, err := c.Encode(nil); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Encode() error = %v, want ErrUnknownCommand", err)
	}
}

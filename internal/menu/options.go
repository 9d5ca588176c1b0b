package menu

// Option is one pictogram on the board.
type Option struct {
	ID    string `json:"id" msgpack:"id"`
	Label string `json:"label" msgpack:"label"`
	Sound string `json:"sound" msgpack:"sound"`
}

// SelectSound is played whenever the highlight moves to a valid option.
const SelectSound = "select.mp3"

// DefaultOptions returns the board in protocol order: the headset refers to
// options by 1-based position in this slice.
func DefaultOptions() []Option {
	return []Option{
		{ID: "food", Label: "Food", Sound: "food.mp3"},
		{ID: "help", Label: "Help", Sound: "help.mp3"},
		{ID: "outing", Label: "Outing", Sound: "outing.mp3"},
		{ID: "television", Label: "Television", Sound: "television.mp3"},
		{ID: "washroom", Label: "Washroom", Sound: "washroom.mp3"},
		{ID: "water", Label: "Water", Sound: "water.mp3"},
	}
}

package modelclient

import "testing"

func TestThinkStripperFeedFlush(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{
			name:   "no think block",
			chunks: []string{"hello world"},
			want:   "hello world",
		},
		{
			name:   "think block stripped",
			chunks: []string{"before <think>secret</think> after"},
			want:   "before  after",
		},
		{
			name:   "thinking block stripped",
			chunks: []string{"a<thinking>hidden</thinking>b"},
			want:   "ab",
		},
		{
			name:   "reasoning block stripped",
			chunks: []string{"x<reasoning>nope</reasoning>y"},
			want:   "xy",
		},
		{
			name:   "pipe think tag stripped",
			chunks: []string{"p<|think|>q<|think|>r"},
			want:   "pr",
		},
		{
			name:   "unterminated tail dropped",
			chunks: []string{"visible <think>never closes"},
			want:   "visible ",
		},
		{
			name:   "tag split across chunk boundary",
			chunks: []string{"before <thi", "nk>secret</think> after"},
			want:   "before  after",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &thinkStripper{}
			var got string
			for _, c := range tt.chunks {
				got += s.Feed(c)
			}
			got += s.Flush()
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

package main

import "voice-video-workflow/internal/cmd"

func main() {
	cmd.Execute()
}

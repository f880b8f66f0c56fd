package audiodir

// showAudioFlyout has no desktop-neutral equivalent on linux
func showAudioFlyout() error {
	return nil
}

// Package discordvoice implements the core of a Discord voice connection:
// gateway signaling, encrypted UDP media transport and a frame bridge that
// converts between host PCM frames and Opus packets.
//
// A VoiceSession supervises one call leg. Open negotiates the connection
// and starts the media path; WriteFrame and ReadFrame exchange 20 ms mono
// PCM frames with the channel; transient failures reconnect automatically,
// resuming the previous session when the server allows it.
//
// Example:
//
//	dest, err := discordvoice.ParseDestination("guild-id/channel-id")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	session, err := discordvoice.Open(ctx, dest, discordvoice.Credentials{
//	    UserID:    botUserID,
//	    SessionID: voiceSessionID,
//	    Token:     voiceToken,
//	    Endpoint:  voiceEndpoint,
//	}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	for session.State() != discordvoice.StateClosed {
//	    if frame, _ := session.ReadFrame(); frame != nil {
//	        play(frame)
//	    }
//	    _ = session.WriteFrame(capture())
//	}
package discordvoice

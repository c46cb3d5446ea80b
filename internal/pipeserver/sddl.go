package pipeserver

// FrontPipeSDDL is the security descriptor applied to the front pipe: full
// control for the owner (creator), and read/write for Everyone, so any
// client in the same interactive session can connect regardless of how it
// was launched.
//
// SDDL breakdown:
//   O:CO      owner = creator owner
//   G:CG      group = creator group
//   D:        DACL follows
//   (A;;GA;;;CO)  Allow, Generic-All, to Creator-Owner
//   (A;;GRGW;;;WD) Allow, Generic-Read|Generic-Write, to Everyone (WD = World)
const FrontPipeSDDL = "O:COG:CGD:(A;;GA;;;CO)(A;;GRGW;;;WD)"

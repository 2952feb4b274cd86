package linker

// Version is stamped by the build; the string also lands in the
// output's .comment section.
var Version = "0.1.0"

package progress

// Match exposes the rule which matched a line.
var Match = match

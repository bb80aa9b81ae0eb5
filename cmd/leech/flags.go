// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command leech downloads a single torrent, identified by a .torrent file
// or a magnet URI, to a local folder and exits.
package main

import "flag"

// Flags defines leech CLI flags.
type Flags struct {
	File     string
	Magnet   string
	Folder   string
	Resume   bool
	Peers    int
	Requests int
	LogPath  string
	Config   string
}

// ParseFlags parses leech CLI flags.
func ParseFlags() *Flags {
	var flags Flags
	flag.StringVar(
		&flags.File, "file", "", "path to a .torrent file")
	flag.StringVar(
		&flags.Magnet, "magnet", "", "magnet URI")
	flag.StringVar(
		&flags.Folder, "folder", ".", "download directory")
	flag.BoolVar(
		&flags.Resume, "resume", false, "resume from a prior sidecar in folder, if present")
	flag.IntVar(
		&flags.Peers, "peers", 0, "max concurrent peer connections (0 selects a default)")
	flag.IntVar(
		&flags.Requests, "requests", 0, "max outstanding block requests per peer (0 selects a default)")
	flag.StringVar(
		&flags.LogPath, "log", "", "log file path (empty logs to stderr)")
	flag.StringVar(
		&flags.Config, "config", "", "optional YAML configuration file")
	flag.Parse()
	return &flags
}

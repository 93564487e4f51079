package fetcher

import (
	"bufio"
	"errors"
	"io"
	"regexp"
	"strings"
)

var (
	reTvgName   = regexp.MustCompile(`tvg-name="([^"]*)"`)
	reTvgID     = regexp.MustCompile(`tvg-id="([^"]*)"`)
	reTvgLogo   = regexp.MustCompile(`tvg-logo="([^"]*)"`)
	reGroup     = regexp.MustCompile(`group-title="([^"]*)"`)
	reCommaName = regexp.MustCompile(`,([^\n\r\t]*)$`)
)

var errNoName = errors.New("no name from EXTINF")

// ParseM3U reads an M3U playlist from r. Entries whose EXTINF yields no name are
// dropped; an EXTINF not followed by a URL line is skipped.
func ParseM3U(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	// Some M3U have very long EXTINF lines.
	const maxSize = 1024 * 1024
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxSize)

	var extinfLine string
	for scanner.Scan() {
		line := scanner.Text()
		lineUpper := strings.ToUpper(line)
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(lineUpper, "#EXTINF"):
			extinfLine = line
		case strings.HasPrefix(trimmed, "#"), trimmed == "":
			// #EXTM3U, #EXTVLCOPT, #EXTGRP and comments carry nothing we store.
		default:
			if extinfLine == "" {
				continue
			}
			name, err := channelNameFromEXTINF(extinfLine)
			extinf := extinfLine
			extinfLine = ""
			if err != nil {
				continue
			}
			records = append(records, Record{
				Name:  name,
				Group: matchFirst(reGroup, extinf),
				URL:   trimmed,
				TvgID: matchFirst(reTvgID, extinf),
				Logo:  matchFirst(reTvgLogo, extinf),
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ParseText reads the plain "name,url" list format, one channel per line.
// Lines of the form "group,#genre#" set the group for the lines that follow.
func ParseText(r io.Reader) ([]Record, error) {
	var records []Record
	var group string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.LastIndex(line, ",")
		if i <= 0 {
			continue
		}
		name, rest := strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])
		if rest == "#genre#" {
			group = name
			continue
		}
		records = append(records, Record{Name: name, Group: group, URL: rest})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Parse picks the format by content: anything with an EXTINF line is M3U.
func Parse(body []byte) ([]Record, error) {
	if strings.Contains(strings.ToUpper(string(body)), "#EXTINF") {
		return ParseM3U(strings.NewReader(string(body)))
	}
	return ParseText(strings.NewReader(string(body)))
}

func matchFirst(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// channelNameFromEXTINF extracts the channel name: tvg-name, else the text after
// the last comma, else tvg-id.
func channelNameFromEXTINF(extinf string) (string, error) {
	if n := matchFirst(reTvgName, extinf); n != "" {
		return n, nil
	}
	if alt := matchFirst(reCommaName, extinf); alt != "" {
		return alt, nil
	}
	if id := matchFirst(reTvgID, extinf); id != "" {
		return id, nil
	}
	return "", errNoName
}

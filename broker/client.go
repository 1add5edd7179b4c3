package broker

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"strings"

	"github.com/lithammer/shortuuid/v3"
)

// Client is one connection to the broker server.
type Client struct {
	ID     string
	Writer *bufio.Writer
	Reader *bufio.Reader
}

// read returns the next command split on spaces. Fields may be quoted csv
// style, so json bodies survive.
func (c *Client) read(separator rune) ([]string, error) {
	line, err := c.Reader.ReadString(byte(separator))
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, nil
	}
	input := csv.NewReader(strings.NewReader(line))
	input.Comma = ' '
	input.LazyQuotes = true
	return input.Read()
}

func (c *Client) writeByte(data []byte) {
	c.Writer.Write(data)
	c.Writer.Write([]byte("\n"))
	c.Writer.Flush()
}

func (c *Client) writeJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Errorf("client %s: encode response: %v", c.ID, err)
		data, _ = json.Marshal(errorRes(err))
	}
	c.writeByte(data)
}

func (c *Client) writeError(err error) {
	c.writeJSON(errorRes(err))
}

// NewClient factory method
func NewClient(writer *bufio.Writer, reader *bufio.Reader) *Client {
	return &Client{
		ID:     shortuuid.New(),
		Writer: writer,
		Reader: reader,
	}
}

package mov

// DefaultTemplate is the stock single-video-track MOV header, built from
// atoms "ftyp" and "moov" followed by the payload placed by emitDataSize's
// "skip" atom and the "mdat" data itself. Every "{" ... "}" pair is a
// length-prefixed atom; the four-letter tag is the literal hex/string
// content right after the opening brace.
const DefaultTemplate = `
{ "ftyp" 6d6f7620 00000200 6d6f7620 "isom" }
{ "moov"
  { "mvhd"
    00 000000
    !time !time
    !timescale !duration
    00010000 0100
    0000
    0000000000000000
    00010000000000000000000000000000010000000000000000000000000000000000000000000000000040000000
    0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000
    00000002
  }
  { "trak"
    { "tkhd"
      00 00000f
      !time !time
      00000001
      00000000
      !duration
      0000000000000000
      0000
      0000
      0000
      0000
      00010000000000000000000000000000010000000000000000000000000000000000000000000000000040000000
      !width 00000000
      !height 00000000
    }
    { "mdia"
      { "mdhd"
        00 000000
        !time !time
        !timescale !duration
        0000
        0000
      }
      { "hdlr"
        00 000000
        00000000
        "mhlr"
        "VIDE"
        00000000 00000000 00000000
        00
      }
      { "minf"
        { "vmhd"
          00 000001
          0000 0000 0000
        }
        { "dinf"
          { "dref"
            00 000000
            00000001
            { "alis"
              00 000001
            }
          }
        }
        { "stbl"
          { "stsd"
            00 000000
            00000001
            { "mjpa"
              000000000000
              0001
              0000
              0000
              00000000
              00000000
              00000000
              00000000
              !width !height
              00480000
              00480000
              00000000
              0001
              3200000000000000000000000000000000000000000000000000000000000000
              0018
              ffff
            }
          }
          { "stts"
            00 000000
            00000001
            !nframes !frame_duration
          }
          { "stsc"
            00 000000
            00000001
            00000001 !samples_chunk 00000001
          }
          { "stsz"
            00 000000
            00000000
            !sample_sizes
          }
          { "stco"
            00 000000
            !chunk_offsets
          }
        }
      }
    }
  }
}
!data_size
"mdat"
`
